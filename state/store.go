// Package state holds the last-known snapshot per repository. The store is
// the single writer of authoritative in-memory state; every update replaces
// a whole snapshot, so readers never observe a partial merge.
package state

import (
	"sync"

	"github.com/pyrite/server/workeffort"
)

type Store struct {
	mu    sync.RWMutex
	repos map[string]workeffort.RepoState
}

func NewStore() *Store {
	return &Store{repos: make(map[string]workeffort.RepoState)}
}

// Set replaces the snapshot for one repository. It is the sole mutation
// entry point; there is no partial update.
func (s *Store) Set(repo string, snapshot workeffort.RepoState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo] = snapshot
}

// Get returns the last snapshot for a repository. A repository that has
// never been scanned yields an empty snapshot and ok=false.
func (s *Store) Get(repo string) (workeffort.RepoState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.repos[repo]
	if !ok {
		return workeffort.RepoState{WorkEfforts: []workeffort.WorkEffort{}}, false
	}
	return snap, true
}

// Remove forgets a repository's snapshot entirely.
func (s *Store) Remove(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, repo)
}

// All returns a copy of every repository snapshot keyed by repo name.
func (s *Store) All() map[string]workeffort.RepoState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]workeffort.RepoState, len(s.repos))
	for name, snap := range s.repos {
		out[name] = snap
	}
	return out
}
