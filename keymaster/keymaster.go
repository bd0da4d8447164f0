// Package keymaster arbitrates exclusive write access to entities across
// competing agents. Two tiers exist by design: a long-lived cooperative
// lease ("who is working on this"), persisted in the entity's own file so it
// can never diverge from disk, and a short-lived flock-based mutual
// exclusion lock that serializes the physical read-modify-write. The lease
// is advisory and never a substitute for the file lock.
package keymaster

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/pyrite/server/audit"
	"github.com/pyrite/server/workeffort"
)

const (
	// DefaultLeaseDuration is how long a granted lease remains valid.
	DefaultLeaseDuration = 2 * time.Hour

	// DefaultLockTimeout bounds how long WithLock waits to acquire the
	// short-lived file lock before failing.
	DefaultLockTimeout = 10 * time.Second
)

// ErrLockTimeout is returned when the short-lived file lock cannot be
// acquired within the configured bound.
var ErrLockTimeout = errors.New("file lock acquisition timed out")

// AccessResult reports the outcome of a lease operation. A denial is an
// expected, non-exceptional outcome, never an error.
type AccessResult struct {
	Granted   bool      `json:"granted"`
	EntityID  string    `json:"entity_id"`
	AgentID   string    `json:"agent_id"`
	Expires   time.Time `json:"expires,omitzero"`
	Holder    string    `json:"holder,omitempty"`        // current holder when denied
	HolderExp time.Time `json:"holder_expires,omitzero"` // holder's expiry when denied
	Reclaimed bool      `json:"reclaimed,omitempty"`     // a stale lease was taken over
}

// Keymaster manages leases for every entity under one work-efforts root.
type Keymaster struct {
	root          string
	leaseDuration time.Duration
	lockTimeout   time.Duration
	log           *audit.Logger
	now           func() time.Time
}

// Option adjusts Keymaster defaults.
type Option func(*Keymaster)

func WithLeaseDuration(d time.Duration) Option {
	return func(k *Keymaster) { k.leaseDuration = d }
}

func WithLockTimeout(d time.Duration) Option {
	return func(k *Keymaster) { k.lockTimeout = d }
}

func New(root string, log *audit.Logger, opts ...Option) *Keymaster {
	k := &Keymaster{
		root:          root,
		leaseDuration: DefaultLeaseDuration,
		lockTimeout:   DefaultLockTimeout,
		log:           log,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// RequestAccess asks for the write lease on an entity.
//
//   - Unassigned: grant, expiry = now + lease duration.
//   - Assigned to the requester: re-grant with a fresh expiry (idempotent).
//   - Assigned to another agent, unexpired: deny, reporting the holder.
//   - Assigned but expired: reclaim for the requester and log it.
//
// The lease fields are written into the entity's own file under the
// short-lived lock, so concurrent requesters from any process serialize on
// the same read-modify-write.
func (k *Keymaster) RequestAccess(entityID, agentID string) (AccessResult, error) {
	var result AccessResult
	err := k.WithLock(entityID, agentID, func(path string) error {
		fm, body, err := workeffort.ReadEntityFile(path)
		if err != nil {
			return err
		}

		now := k.now()
		lease := fm.Assignment()

		switch {
		case lease.Held(now) && lease.AssignedTo != agentID:
			result = AccessResult{
				Granted:   false,
				EntityID:  entityID,
				AgentID:   agentID,
				Holder:    lease.AssignedTo,
				HolderExp: lease.Expires,
			}
			k.record("denied", map[string]any{
				"entity_id": entityID,
				"agent_id":  agentID,
				"holder":    lease.AssignedTo,
				"expires":   lease.Expires.UTC().Format(time.RFC3339),
			})
			return nil

		case lease.Expired(now) && lease.AssignedTo != agentID:
			k.record("reclaimed", map[string]any{
				"entity_id":      entityID,
				"agent_id":       agentID,
				"previous_agent": lease.AssignedTo,
				"expired_at":     lease.Expires.UTC().Format(time.RFC3339),
			})
		}

		granted := workeffort.Assignment{
			AssignedTo: agentID,
			AssignedAt: now,
			Expires:    now.Add(k.leaseDuration),
		}
		fm.SetAssignment(granted)
		if err := workeffort.WriteEntityFile(path, fm, body); err != nil {
			return err
		}

		result = AccessResult{
			Granted:   true,
			EntityID:  entityID,
			AgentID:   agentID,
			Expires:   granted.Expires,
			Reclaimed: lease.Expired(now) && lease.AssignedTo != agentID,
		}

		action := "granted"
		if lease.AssignedTo == agentID {
			action = "regranted"
		}
		k.record(action, map[string]any{
			"entity_id": entityID,
			"agent_id":  agentID,
			"expires":   granted.Expires.UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return AccessResult{}, err
	}
	return result, nil
}

// ReleaseAccess clears the lease if and only if the caller holds it. A
// non-holder release is denied with no effect.
func (k *Keymaster) ReleaseAccess(entityID, agentID string) (AccessResult, error) {
	var result AccessResult
	err := k.WithLock(entityID, agentID, func(path string) error {
		fm, body, err := workeffort.ReadEntityFile(path)
		if err != nil {
			return err
		}

		lease := fm.Assignment()
		if lease.AssignedTo != agentID {
			result = AccessResult{
				Granted:  false,
				EntityID: entityID,
				AgentID:  agentID,
				Holder:   lease.AssignedTo,
			}
			k.record("release_denied", map[string]any{
				"entity_id": entityID,
				"agent_id":  agentID,
				"holder":    lease.AssignedTo,
			})
			return nil
		}

		fm.SetAssignment(workeffort.Assignment{})
		if err := workeffort.WriteEntityFile(path, fm, body); err != nil {
			return err
		}

		result = AccessResult{Granted: true, EntityID: entityID, AgentID: agentID}
		k.record("released", map[string]any{
			"entity_id": entityID,
			"agent_id":  agentID,
		})
		return nil
	})
	if err != nil {
		return AccessResult{}, err
	}
	return result, nil
}

// ForceRelease clears any assignment regardless of holder or expiry. It can
// violate the holder's assumption of exclusivity, so the reason and the
// previous holder are always logged.
func (k *Keymaster) ForceRelease(entityID, reason string) error {
	return k.WithLock(entityID, "admin", func(path string) error {
		fm, body, err := workeffort.ReadEntityFile(path)
		if err != nil {
			return err
		}

		previous := fm.Assignment()
		fm.SetAssignment(workeffort.Assignment{})
		if err := workeffort.WriteEntityFile(path, fm, body); err != nil {
			return err
		}

		k.record("force_released", map[string]any{
			"entity_id":       entityID,
			"reason":          reason,
			"previous_holder": previous.AssignedTo,
		})
		return nil
	})
}

// Holder reports the current lease on an entity without modifying it.
func (k *Keymaster) Holder(entityID string) (workeffort.Assignment, error) {
	path, err := workeffort.Locate(k.root, entityID)
	if err != nil {
		return workeffort.Assignment{}, err
	}
	fm, _, err := workeffort.ReadEntityFile(path)
	if err != nil {
		return workeffort.Assignment{}, err
	}
	return fm.Assignment(), nil
}

// ErrHeldByOther is returned by Mutate when the entity is leased to a
// different agent.
var ErrHeldByOther = errors.New("entity is assigned to another agent")

// Mutate applies a frontmatter edit under the file lock, refusing when the
// entity is leased to a different agent. Unassigned and expired entities
// may be mutated by anyone; holding a lease is how an agent protects
// longer work, not a precondition for a single write.
func (k *Keymaster) Mutate(entityID, agentID string, fn func(fm *workeffort.Frontmatter, body *string) error) error {
	return k.WithLock(entityID, agentID, func(path string) error {
		fm, body, err := workeffort.ReadEntityFile(path)
		if err != nil {
			return err
		}

		lease := fm.Assignment()
		if lease.Held(k.now()) && lease.AssignedTo != agentID {
			return fmt.Errorf("%w: %s holds %s until %s", ErrHeldByOther,
				lease.AssignedTo, entityID, lease.Expires.UTC().Format(time.RFC3339))
		}

		if err := fn(&fm, &body); err != nil {
			return err
		}
		return workeffort.WriteEntityFile(path, fm, body)
	})
}

// WithLock runs fn while holding the entity's short-lived mutual-exclusion
// lock, preventing interleaved read-modify-writes even across processes.
// The lock is released on every exit path of fn, including panics. fn
// receives the resolved entity file path.
func (k *Keymaster) WithLock(entityID, agentID string, fn func(path string) error) error {
	path, err := workeffort.Locate(k.root, entityID)
	if err != nil {
		return err
	}

	lockFile, err := k.acquireFlock(path + ".lock")
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			k.record("lock_timeout", map[string]any{
				"entity_id": entityID,
				"agent_id":  agentID,
			})
		}
		return err
	}
	defer func() {
		syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}()

	return fn(path)
}

// acquireFlock takes an exclusive flock on a dedicated lock file with
// bounded retry and backoff. A dedicated file is used because the entity
// file is replaced via rename, which would change the locked inode.
func (k *Keymaster) acquireFlock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := k.now().Add(k.lockTimeout)
	backoff := 10 * time.Millisecond
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}
		if k.now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// record appends an audit entry; failures are logged, not propagated, since
// the lease state change has already been persisted.
func (k *Keymaster) record(action string, fields map[string]any) {
	if k.log == nil {
		return
	}
	if err := k.log.Append("keymaster", action, fields); err != nil {
		slog.Warn("failed to append audit entry", "action", action, "error", err)
	}
}
