package keymaster

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pyrite/server/audit"
	"github.com/pyrite/server/workeffort"
)

func newTestKeymaster(t *testing.T, opts ...Option) (*Keymaster, string, *audit.Logger) {
	t.Helper()
	root := t.TempDir()
	log, err := audit.NewLogger(filepath.Join(root, "audit.jsonl"))
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	km := New(root, log, opts...)
	return km, root, log
}

func createEffort(t *testing.T, root, title string) string {
	t.Helper()
	we, err := workeffort.Create(root, title, workeffort.StatusActive, time.Now())
	if err != nil {
		t.Fatalf("create work effort: %v", err)
	}
	return we.ID
}

func setLease(t *testing.T, root, entityID string, lease workeffort.Assignment) {
	t.Helper()
	path, err := workeffort.Locate(root, entityID)
	if err != nil {
		t.Fatalf("locate %s: %v", entityID, err)
	}
	fm, body, err := workeffort.ReadEntityFile(path)
	if err != nil {
		t.Fatalf("read entity file: %v", err)
	}
	fm.SetAssignment(lease)
	if err := workeffort.WriteEntityFile(path, fm, body); err != nil {
		t.Fatalf("write entity file: %v", err)
	}
}

func TestRequestAccessGrantsUnassigned(t *testing.T) {
	km, root, _ := newTestKeymaster(t)
	id := createEffort(t, root, "Auth overhaul")

	res, err := km.RequestAccess(id, "agent-a")
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if !res.Granted {
		t.Fatal("expected grant on unassigned entity")
	}
	if res.Reclaimed {
		t.Error("fresh grant should not be marked reclaimed")
	}
	if remaining := time.Until(res.Expires); remaining < DefaultLeaseDuration-time.Minute {
		t.Errorf("lease expiry too soon: %v remaining", remaining)
	}

	lease, err := km.Holder(id)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if lease.AssignedTo != "agent-a" {
		t.Errorf("persisted holder = %q, want agent-a", lease.AssignedTo)
	}
}

func TestRequestAccessIdempotentForHolder(t *testing.T) {
	km, root, _ := newTestKeymaster(t)
	id := createEffort(t, root, "Retry logic")

	first, err := km.RequestAccess(id, "agent-a")
	if err != nil {
		t.Fatalf("first RequestAccess: %v", err)
	}
	second, err := km.RequestAccess(id, "agent-a")
	if err != nil {
		t.Fatalf("second RequestAccess: %v", err)
	}
	if !second.Granted {
		t.Fatal("holder re-request must be granted")
	}
	if second.Expires.Before(first.Expires) {
		t.Error("re-grant should not shorten the lease")
	}
}

func TestRequestAccessDeniedWhileHeld(t *testing.T) {
	km, root, _ := newTestKeymaster(t)
	id := createEffort(t, root, "Indexer")

	if _, err := km.RequestAccess(id, "agent-a"); err != nil {
		t.Fatalf("agent-a RequestAccess: %v", err)
	}
	res, err := km.RequestAccess(id, "agent-b")
	if err != nil {
		t.Fatalf("agent-b RequestAccess: %v", err)
	}
	if res.Granted {
		t.Fatal("second agent must be denied while lease is held")
	}
	if res.Holder != "agent-a" {
		t.Errorf("denial holder = %q, want agent-a", res.Holder)
	}
	if res.HolderExp.IsZero() {
		t.Error("denial should report the holder's expiry")
	}

	// The denied request must not have disturbed the lease.
	lease, err := km.Holder(id)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if lease.AssignedTo != "agent-a" {
		t.Errorf("holder after denial = %q, want agent-a", lease.AssignedTo)
	}
}

func TestRequestAccessReclaimsExpiredLease(t *testing.T) {
	km, root, log := newTestKeymaster(t)
	id := createEffort(t, root, "Stale cleanup")

	setLease(t, root, id, workeffort.Assignment{
		AssignedTo: "agent-gone",
		AssignedAt: time.Now().Add(-3 * time.Hour),
		Expires:    time.Now().Add(-time.Hour),
	})

	res, err := km.RequestAccess(id, "agent-b")
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if !res.Granted {
		t.Fatal("expired lease must be reclaimable")
	}
	if !res.Reclaimed {
		t.Error("reclamation should be reported in the result")
	}

	entries, err := log.Read()
	if err != nil {
		t.Fatalf("audit Read: %v", err)
	}
	var sawReclaim bool
	for _, e := range entries {
		if e.Action == "reclaimed" {
			sawReclaim = true
			if e.Fields["previous_agent"] != "agent-gone" {
				t.Errorf("reclaim entry previous_agent = %v", e.Fields["previous_agent"])
			}
		}
	}
	if !sawReclaim {
		t.Error("reclamation must leave an audit entry")
	}
}

func TestReleaseAccessHolderOnly(t *testing.T) {
	km, root, _ := newTestKeymaster(t)
	id := createEffort(t, root, "Permissions")

	if _, err := km.RequestAccess(id, "agent-a"); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}

	res, err := km.ReleaseAccess(id, "agent-b")
	if err != nil {
		t.Fatalf("non-holder ReleaseAccess: %v", err)
	}
	if res.Granted {
		t.Fatal("non-holder release must be denied")
	}
	lease, err := km.Holder(id)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if lease.AssignedTo != "agent-a" {
		t.Error("non-holder release must not clear the lease")
	}

	res, err = km.ReleaseAccess(id, "agent-a")
	if err != nil {
		t.Fatalf("holder ReleaseAccess: %v", err)
	}
	if !res.Granted {
		t.Fatal("holder release must succeed")
	}
	lease, err = km.Holder(id)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if lease.AssignedTo != "" {
		t.Errorf("lease after release = %q, want empty", lease.AssignedTo)
	}
}

func TestForceReleaseLogsPreviousHolder(t *testing.T) {
	km, root, log := newTestKeymaster(t)
	id := createEffort(t, root, "Emergency")

	if _, err := km.RequestAccess(id, "agent-a"); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if err := km.ForceRelease(id, "agent crashed"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}

	lease, err := km.Holder(id)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if lease.AssignedTo != "" {
		t.Error("force release must clear the lease")
	}

	entries, err := log.Read()
	if err != nil {
		t.Fatalf("audit Read: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Action == "force_released" {
			found = true
			if e.Fields["previous_holder"] != "agent-a" {
				t.Errorf("previous_holder = %v, want agent-a", e.Fields["previous_holder"])
			}
			if e.Fields["reason"] != "agent crashed" {
				t.Errorf("reason = %v", e.Fields["reason"])
			}
		}
	}
	if !found {
		t.Error("force release must leave an audit entry")
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	km, root, _ := newTestKeymaster(t)
	id := createEffort(t, root, "Hot file")

	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		km.WithLock(id, "agent-a", func(string) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	impatient := New(root, nil, WithLockTimeout(100*time.Millisecond))
	err := impatient.WithLock(id, "agent-b", func(string) error {
		t.Error("second locker must not run while the lock is held")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("contended WithLock error = %v, want ErrLockTimeout", err)
	}

	close(release)
	wg.Wait()

	// Once released, the lock must be acquirable again.
	if err := km.WithLock(id, "agent-b", func(string) error { return nil }); err != nil {
		t.Fatalf("WithLock after release: %v", err)
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	km, root, _ := newTestKeymaster(t)
	id := createEffort(t, root, "Fragile")

	func() {
		defer func() { recover() }()
		km.WithLock(id, "agent-a", func(string) error {
			panic("handler blew up")
		})
	}()

	impatient := New(root, nil, WithLockTimeout(100*time.Millisecond))
	if err := impatient.WithLock(id, "agent-b", func(string) error { return nil }); err != nil {
		t.Fatalf("lock must be free after a panicking critical section: %v", err)
	}
}

func TestMutateRespectsLease(t *testing.T) {
	km, root, _ := newTestKeymaster(t)
	id := createEffort(t, root, "Guarded")

	if _, err := km.RequestAccess(id, "agent-a"); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}

	err := km.Mutate(id, "agent-b", func(fm *workeffort.Frontmatter, _ *string) error {
		fm.Status = string(workeffort.StatusCompleted)
		return nil
	})
	if !errors.Is(err, ErrHeldByOther) {
		t.Fatalf("non-holder mutation error = %v, want ErrHeldByOther", err)
	}

	err = km.Mutate(id, "agent-a", func(fm *workeffort.Frontmatter, _ *string) error {
		fm.Status = string(workeffort.StatusCompleted)
		return nil
	})
	if err != nil {
		t.Fatalf("holder mutation: %v", err)
	}

	path, err := workeffort.Locate(root, id)
	if err != nil {
		t.Fatal(err)
	}
	fm, _, err := workeffort.ReadEntityFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fm.Status != string(workeffort.StatusCompleted) {
		t.Errorf("persisted status = %q, want completed", fm.Status)
	}
}

func TestWithLockUnknownEntity(t *testing.T) {
	km, _, _ := newTestKeymaster(t)
	err := km.WithLock("WE-260101-zzzz", "agent-a", func(string) error { return nil })
	if !errors.Is(err, workeffort.ErrNotFound) {
		t.Errorf("unknown entity error = %v, want ErrNotFound", err)
	}
}
