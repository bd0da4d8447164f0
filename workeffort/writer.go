package workeffort

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pyrite/server/ident"
)

// idAllocRetries bounds the collision retry loop when allocating a fresh
// work effort id. Collisions are a 1-in-36^4 event per day, so hitting the
// bound means the directory scan itself is broken.
const idAllocRetries = 5

// Create scaffolds a new work effort on disk: the WE-YYMMDD-xxxx_<slug>/
// directory, its index file, and an empty tickets/ subdirectory. The id is
// allocated with collision retry against the existing tree.
func Create(root, title string, status Status, now time.Time) (WorkEffort, error) {
	if title == "" {
		return WorkEffort{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if !status.IsValid() {
		status = StatusActive
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return WorkEffort{}, err
	}

	var weID string
	for attempt := 0; ; attempt++ {
		if attempt >= idAllocRetries {
			return WorkEffort{}, fmt.Errorf("allocate work effort id: %d collisions", attempt)
		}
		weID = ident.NewWorkEffortID(now)
		if _, ok := findEntityDir(root, weID); !ok {
			break
		}
		slog.Warn("work effort id collision, retrying", "id", weID)
	}

	slug := ident.Slugify(title)
	dirName := weID
	if slug != "" {
		dirName = weID + "_" + slug
	}
	dir := filepath.Join(root, dirName)

	if err := os.MkdirAll(filepath.Join(dir, "tickets"), 0755); err != nil {
		return WorkEffort{}, err
	}

	fm := Frontmatter{
		ID:      weID,
		Title:   title,
		Status:  string(status),
		Created: FlexTime{now},
	}
	body := "# " + title + "\n"

	indexPath := filepath.Join(dir, weID+"_index.md")
	content, err := RenderFile(fm, body)
	if err != nil {
		return WorkEffort{}, err
	}
	if err := writeFileAtomic(indexPath, content); err != nil {
		return WorkEffort{}, err
	}

	return WorkEffort{
		ID:      weID,
		Title:   title,
		Status:  status,
		Created: now,
		Format:  FormatStandard,
		Path:    indexPath,
	}, nil
}

// CreateTicket adds a ticket file under the parent's tickets/ directory.
// The sequence number comes from a directory scan; callers that may race
// with other writers must hold the parent's entity lock around this call.
func CreateTicket(root, parentID, title string, status TicketStatus, now time.Time) (Ticket, error) {
	if title == "" {
		return Ticket{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if !status.IsValid() {
		status = TicketPending
	}

	dir, ok := findEntityDir(root, parentID)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, parentID)
	}
	ticketsDir := filepath.Join(dir, "tickets")
	if err := os.MkdirAll(ticketsDir, 0755); err != nil {
		return Ticket{}, err
	}

	suffix := ident.Suffix(parentID)
	seq := ident.NextTicketSeq(ticketsDir, suffix)
	tktID, err := ident.NewTicketID(parentID, seq)
	if err != nil {
		return Ticket{}, err
	}

	fm := Frontmatter{
		ID:      tktID,
		Title:   title,
		Status:  string(status),
		Parent:  parentID,
		Created: FlexTime{now},
	}
	body := "# " + title + "\n"

	name := tktID
	if slug := ident.Slugify(title); slug != "" {
		name = tktID + "_" + slug
	}
	path := filepath.Join(ticketsDir, name+".md")

	content, err := RenderFile(fm, body)
	if err != nil {
		return Ticket{}, err
	}
	if err := writeFileAtomic(path, content); err != nil {
		return Ticket{}, err
	}

	return Ticket{ID: tktID, Title: title, Status: status, Parent: parentID}, nil
}

// Locate resolves an entity id (work effort or ticket) to its file path
// within a work-efforts root.
func Locate(root, entityID string) (string, error) {
	if ident.IsWorkEffortID(entityID) {
		dir, ok := findEntityDir(root, entityID)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, entityID)
		}
		path, ok := findIndexFileIn(dir, entityID)
		if !ok {
			return "", fmt.Errorf("%w: %s has no index file", ErrNotFound, entityID)
		}
		return path, nil
	}

	if suffix, _, ok := ident.TicketParent(entityID); ok {
		entries, err := os.ReadDir(root)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.Contains(entry.Name(), "-"+suffix) {
				continue
			}
			ticketsDir := filepath.Join(root, entry.Name(), "tickets")
			files, err := os.ReadDir(ticketsDir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if strings.HasPrefix(f.Name(), entityID) {
					return filepath.Join(ticketsDir, f.Name()), nil
				}
			}
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}

	return "", fmt.Errorf("%w: unrecognized entity id %q", ErrInvalid, entityID)
}

// ReadEntityFile loads and splits one entity file.
func ReadEntityFile(path string) (Frontmatter, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Frontmatter{}, "", err
	}
	return SplitFrontmatter(string(content))
}

// WriteEntityFile re-renders an entity file atomically
// (write temp, fsync, rename).
func WriteEntityFile(path string, fm Frontmatter, body string) error {
	content, err := RenderFile(fm, body)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, content)
}

func findEntityDir(root, weID string) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == weID || strings.HasPrefix(name, weID+"_") {
			return filepath.Join(root, name), true
		}
	}
	return "", false
}

func findIndexFileIn(dir, weID string) (string, bool) {
	path := filepath.Join(dir, weID+"_index.md")
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return findIndexFile(dir)
}

// writeFileAtomic writes via a temp file in the same directory so a crash
// leaves either the old content or the new, never a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
