package ws

import "github.com/pyrite/server/workeffort"

// Server to client notification methods.
const (
	methodInit       = "init"
	methodUpdate     = "update"
	methodRepoChange = "repo_change"
	methodError      = "error"
)

// AuthParams is the first request every connection must send.
type AuthParams struct {
	Token string `json:"token"`
}

// AuthResult acknowledges a successful auth.
type AuthResult struct {
	Version string `json:"version"`
}

// InitParams delivers the complete current state to a new connection.
type InitParams struct {
	Repos map[string]RepoSnapshot `json:"repos"`
}

// RepoSnapshot is the wire form of one repository's state.
type RepoSnapshot struct {
	WorkEfforts []workeffort.WorkEffort `json:"work_efforts"`
	Stats       workeffort.Stats        `json:"stats"`
	Error       string                  `json:"error,omitempty"`
}

// UpdateParams announces a replaced snapshot for one repository.
type UpdateParams struct {
	Repo        string                  `json:"repo"`
	WorkEfforts []workeffort.WorkEffort `json:"work_efforts"`
	Stats       workeffort.Stats        `json:"stats"`
	Error       string                  `json:"error,omitempty"`
}

// RepoChangeParams announces repositories entering or leaving observation.
type RepoChangeParams struct {
	Action string   `json:"action"` // "added", "removed" or "bulk_added"
	Repos  []string `json:"repos"`
}

// ErrorParams announces a recoverable failure scoped to one repository.
type ErrorParams struct {
	Repo    string `json:"repo"`
	Message string `json:"message"`
}

// RefreshParams asks for an immediate re-parse of one repository.
type RefreshParams struct {
	Repo string `json:"repo"`
}

// RepoAddParams registers a repository for observation.
type RepoAddParams struct {
	Name string `json:"name"`
	Root string `json:"root"`
}

// RepoRemoveParams stops observation of a repository.
type RepoRemoveParams struct {
	Name string `json:"name"`
}

// RepoListResult reports the registered repositories by name.
type RepoListResult struct {
	Repos map[string]string `json:"repos"`
}

func snapshotWire(s workeffort.RepoState) RepoSnapshot {
	return RepoSnapshot{
		WorkEfforts: s.WorkEfforts,
		Stats:       s.Stats,
		Error:       s.Error,
	}
}
