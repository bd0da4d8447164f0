package workeffort

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// newTestRepo builds a root with one standard work effort (one ticket) and
// one legacy Johnny Decimal file.
func newTestRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	weDir := filepath.Join(root, "WE-260115-a1b2_build_auth")
	writeFile(t, filepath.Join(weDir, "WE-260115-a1b2_index.md"), `---
id: WE-260115-a1b2
title: "Build auth"
status: active
created: 2026-01-15T10:00:00Z
branch: feature/auth
---

# Build auth
`)
	writeFile(t, filepath.Join(weDir, "tickets", "TKT-a1b2-001_login_form.md"), `---
id: TKT-a1b2-001
title: "Login form"
status: in_progress
parent: WE-260115-a1b2
---

# Login form
`)

	writeFile(t, filepath.Join(root, "10_projects", "10.01_old_migration.md"), `---
title: "Old migration"
status: paused
---

# Old migration
`)

	return root
}

func TestParseRepoStandardFormat(t *testing.T) {
	root := newTestRepo(t)
	state := NewParser(root).ParseRepo()

	if state.Error != "" {
		t.Fatalf("unexpected error: %s", state.Error)
	}
	if len(state.WorkEfforts) != 2 {
		t.Fatalf("got %d work efforts, want 2", len(state.WorkEfforts))
	}

	var std *WorkEffort
	for i := range state.WorkEfforts {
		if state.WorkEfforts[i].Format == FormatStandard {
			std = &state.WorkEfforts[i]
		}
	}
	if std == nil {
		t.Fatal("no standard-format work effort found")
	}

	if std.ID != "WE-260115-a1b2" {
		t.Errorf("id = %q", std.ID)
	}
	if std.Title != "Build auth" {
		t.Errorf("title = %q", std.Title)
	}
	if std.Status != StatusActive {
		t.Errorf("status = %q", std.Status)
	}
	if std.Branch != "feature/auth" {
		t.Errorf("branch = %q", std.Branch)
	}
	if len(std.Tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(std.Tickets))
	}
	tk := std.Tickets[0]
	if tk.ID != "TKT-a1b2-001" || tk.Status != TicketInProgress || tk.Parent != "WE-260115-a1b2" {
		t.Errorf("ticket = %+v", tk)
	}
}

func TestParseRepoLegacyFormat(t *testing.T) {
	root := newTestRepo(t)
	state := NewParser(root).ParseRepo()

	var legacy *WorkEffort
	for i := range state.WorkEfforts {
		if state.WorkEfforts[i].Format == FormatLegacy {
			legacy = &state.WorkEfforts[i]
		}
	}
	if legacy == nil {
		t.Fatal("no legacy work effort found")
	}
	if legacy.ID != "10.01_old_migration" {
		t.Errorf("legacy id = %q", legacy.ID)
	}
	if legacy.Title != "Old migration" || legacy.Status != StatusPaused {
		t.Errorf("legacy = %+v", legacy)
	}
}

func TestParseRepoStats(t *testing.T) {
	root := newTestRepo(t)
	state := NewParser(root).ParseRepo()

	if state.Stats.WorkEfforts != 2 || state.Stats.Tickets != 1 {
		t.Errorf("stats = %+v", state.Stats)
	}
	if state.Stats.ByFormat[FormatStandard] != 1 || state.Stats.ByFormat[FormatLegacy] != 1 {
		t.Errorf("by format = %v", state.Stats.ByFormat)
	}
	if state.Stats.ByStatus[StatusActive] != 1 || state.Stats.ByStatus[StatusPaused] != 1 {
		t.Errorf("by status = %v", state.Stats.ByStatus)
	}
}

// Re-parsing an unmodified tree must yield deep-equal snapshots apart from
// LastUpdated.
func TestParseRepoIdempotent(t *testing.T) {
	root := newTestRepo(t)
	p := NewParser(root)

	s1 := p.ParseRepo()
	s2 := p.ParseRepo()

	s1.LastUpdated = s2.LastUpdated
	if !reflect.DeepEqual(s1, s2) {
		t.Errorf("snapshots differ:\n%+v\n%+v", s1, s2)
	}
}

func TestParseRepoMissingRoot(t *testing.T) {
	state := NewParser(filepath.Join(t.TempDir(), "nope")).ParseRepo()

	if state.Error == "" {
		t.Error("expected error for missing root")
	}
	if len(state.WorkEfforts) != 0 {
		t.Errorf("got %d work efforts, want 0", len(state.WorkEfforts))
	}
	if state.WorkEfforts == nil {
		t.Error("work efforts must be an empty list, not nil")
	}
}

func TestParseRepoHeuristicFallback(t *testing.T) {
	root := t.TempDir()
	// No frontmatter at all: title from heading, status from body keyword.
	writeFile(t, filepath.Join(root, "WE-260110-zz99_notes", "WE-260110-zz99_index.md"),
		"# Rescue mission\n\nStatus: blocked\n\nSome notes.\n")

	state := NewParser(root).ParseRepo()
	if len(state.WorkEfforts) != 1 {
		t.Fatalf("got %d work efforts, want 1", len(state.WorkEfforts))
	}
	we := state.WorkEfforts[0]
	if we.ID != "WE-260110-zz99" {
		t.Errorf("id = %q", we.ID)
	}
	if we.Title != "Rescue mission" {
		t.Errorf("title = %q", we.Title)
	}
	if we.Status != StatusBlocked {
		t.Errorf("status = %q", we.Status)
	}
}

func TestParseRepoMalformedFrontmatter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "WE-260110-ab12_x", "WE-260110-ab12_index.md"),
		"---\n{{ not yaml\n---\n\n# Salvaged title\n\nstatus: active\n")

	state := NewParser(root).ParseRepo()
	if len(state.WorkEfforts) != 1 {
		t.Fatalf("got %d work efforts, want 1", len(state.WorkEfforts))
	}
	if state.WorkEfforts[0].Title != "Salvaged title" {
		t.Errorf("title = %q", state.WorkEfforts[0].Title)
	}
}

func TestParseRepoSkipsDirWithoutIndex(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "WE-260110-cc33_empty"), 0755); err != nil {
		t.Fatal(err)
	}

	state := NewParser(root).ParseRepo()
	if state.Error != "" {
		t.Errorf("unexpected error: %s", state.Error)
	}
	if len(state.WorkEfforts) != 0 {
		t.Errorf("got %d work efforts, want 0", len(state.WorkEfforts))
	}
}

func TestParseRepoSkipsLegacyIndexFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "00_system", "00.00_index.md"), "# Index\n")
	writeFile(t, filepath.Join(root, "00_system", "00.01_real_work.md"), "# Real work\n\nstatus: active\n")

	state := NewParser(root).ParseRepo()
	if len(state.WorkEfforts) != 1 {
		t.Fatalf("got %d work efforts, want 1", len(state.WorkEfforts))
	}
	if state.WorkEfforts[0].ID != "00.01_real_work" {
		t.Errorf("id = %q", state.WorkEfforts[0].ID)
	}
}

func TestParseRepoLeaseFields(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "WE-260115-dd44_leased", "WE-260115-dd44_index.md"), `---
id: WE-260115-dd44
title: "Leased"
status: in_progress
assigned_to: agent-a
assigned_at: 2026-01-15T10:00:00Z
assignment_expires: 2026-01-15T12:00:00Z
---
`)

	state := NewParser(root).ParseRepo()
	if len(state.WorkEfforts) != 1 {
		t.Fatalf("got %d work efforts, want 1", len(state.WorkEfforts))
	}
	a := state.WorkEfforts[0].Assignment
	if a.AssignedTo != "agent-a" {
		t.Errorf("assigned_to = %q", a.AssignedTo)
	}
	if a.Expires.IsZero() {
		t.Error("assignment_expires not parsed")
	}
}
