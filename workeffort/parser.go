package workeffort

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pyrite/server/ident"
)

// Parser projects an on-disk work-efforts tree into a RepoState snapshot.
// It is a pure read: it never creates, modifies, or deletes files, and a
// full re-scan is idempotent.
type Parser struct {
	// Root is the work-efforts directory of one repository.
	Root string

	now func() time.Time
}

func NewParser(root string) *Parser {
	return &Parser{Root: root, now: time.Now}
}

var (
	standardDirPattern = regexp.MustCompile(`^(WE-\d{6}-[a-z0-9]{4})(?:_.*)?$`)
	legacyDirPattern   = regexp.MustCompile(`^\d{2}[_\-.]`)
	legacyFilePattern  = regexp.MustCompile(`^\d{2}\.\d{2}_.*\.md$`)
	headingPattern     = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	statusWordPattern  = regexp.MustCompile(`(?i)status[:\s*]+\s*(active|paused|completed|pending|in_progress|in progress|blocked|cancelled)`)
)

// ParseRepo performs a full re-scan and returns a fresh snapshot. A missing
// or unreadable root is not fatal: the snapshot carries an explicit Error and
// an empty work effort list so downstream stages see "repo has no data yet".
// Individually malformed entity files are skipped, never abort the scan.
func (p *Parser) ParseRepo() RepoState {
	state := RepoState{
		WorkEfforts: []WorkEffort{},
		LastUpdated: p.now(),
	}

	entries, err := os.ReadDir(p.Root)
	if err != nil {
		state.Error = fmt.Sprintf("read work efforts root: %v", err)
		state.Stats = ComputeStats(nil)
		return state
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case standardDirPattern.MatchString(name):
			if we, ok := p.parseStandardDir(name); ok {
				state.WorkEfforts = append(state.WorkEfforts, we)
			}
		case legacyDirPattern.MatchString(name):
			state.WorkEfforts = append(state.WorkEfforts, p.parseLegacyDir(name)...)
		}
	}

	state.Stats = ComputeStats(state.WorkEfforts)
	return state
}

// parseStandardDir extracts one work effort from a WE-YYMMDD-xxxx_<slug>/
// directory. The index file is suffix-matched; a directory without one is
// skipped without error.
func (p *Parser) parseStandardDir(dirName string) (WorkEffort, bool) {
	weID := standardDirPattern.FindStringSubmatch(dirName)[1]
	dir := filepath.Join(p.Root, dirName)

	indexPath, ok := findIndexFile(dir)
	if !ok {
		slog.Debug("no index file, skipping directory", "dir", dirName)
		return WorkEffort{}, false
	}

	content, err := os.ReadFile(indexPath)
	if err != nil {
		slog.Warn("unreadable index file, skipping", "path", indexPath, "error", err)
		return WorkEffort{}, false
	}

	we := extractWorkEffort(string(content), weID)
	we.Format = FormatStandard
	we.Path = indexPath
	we.Tickets = p.parseTickets(filepath.Join(dir, "tickets"), we.ID)
	return we, true
}

// parseTickets reads every ticket file under a tickets/ directory. A missing
// directory means zero tickets. Malformed ticket files are skipped.
func (p *Parser) parseTickets(dir, parentID string) []Ticket {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var tickets []Ticket
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "TKT-") || !strings.HasSuffix(name, ".md") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("unreadable ticket file, skipping", "file", name, "error", err)
			continue
		}

		tk := extractTicket(string(content), ticketIDFromName(name), parentID)
		if tk.ID == "" {
			slog.Warn("ticket file without identifiable id, skipping", "file", name)
			continue
		}
		tickets = append(tickets, tk)
	}
	return tickets
}

// parseLegacyDir walks one numeric category directory and maps each
// NN.NN_*.md file to a work effort. Index files are skipped.
func (p *Parser) parseLegacyDir(dirName string) []WorkEffort {
	var efforts []WorkEffort

	root := filepath.Join(p.Root, dirName)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("legacy scan error, skipping entry", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !legacyFilePattern.MatchString(name) || strings.HasSuffix(strings.TrimSuffix(name, ".md"), "_index") {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("unreadable legacy file, skipping", "path", path, "error", readErr)
			return nil
		}

		// Legacy files predate WE ids; the frontmatter id wins, the
		// filename stem is the stable fallback identity.
		we := extractWorkEffort(string(content), strings.TrimSuffix(name, ".md"))
		we.Format = FormatLegacy
		we.Path = path
		efforts = append(efforts, we)
		return nil
	})
	if err != nil {
		slog.Warn("legacy directory walk failed", "dir", dirName, "error", err)
	}
	return efforts
}

// extractWorkEffort builds a WorkEffort from file content. Structured
// frontmatter is preferred; any missing or malformed field falls back to
// heuristic extraction from the body.
func extractWorkEffort(content, fallbackID string) WorkEffort {
	fm, body, err := SplitFrontmatter(content)
	if err != nil {
		// Malformed metadata block: heuristics over the whole content.
		fm, body = Frontmatter{}, content
	}

	we := WorkEffort{
		ID:         fm.ID,
		Title:      fm.Title,
		Status:     Status(fm.Status),
		Created:    fm.Created.Time,
		Branch:     fm.Branch,
		Repository: fm.Repo,
		Assignment: fm.Assignment(),
	}
	if we.ID == "" {
		we.ID = fallbackID
	}
	if we.Title == "" {
		we.Title = headingTitle(body, we.ID)
	}
	if !we.Status.IsValid() {
		we.Status = heuristicStatus(body)
	}
	return we
}

// extractTicket builds a Ticket from file content, preferring frontmatter.
func extractTicket(content, fallbackID, parentID string) Ticket {
	fm, body, err := SplitFrontmatter(content)
	if err != nil {
		fm, body = Frontmatter{}, content
	}

	tk := Ticket{
		ID:     fm.ID,
		Title:  fm.Title,
		Status: TicketStatus(fm.Status),
		Parent: fm.Parent,
	}
	if tk.ID == "" {
		tk.ID = fallbackID
	}
	if tk.Parent == "" {
		tk.Parent = parentID
	}
	if tk.Title == "" {
		tk.Title = headingTitle(body, tk.ID)
	}
	if !tk.Status.IsValid() {
		tk.Status = heuristicTicketStatus(body)
	}
	return tk
}

// findIndexFile locates the single index file of a standard directory by
// suffix match.
func findIndexFile(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, "_index.md") {
			return filepath.Join(dir, name), true
		}
	}
	return "", false
}

// ticketIDFromName extracts TKT-xxxx-NNN from a ticket file name.
func ticketIDFromName(name string) string {
	stem := strings.TrimSuffix(name, ".md")
	if i := strings.Index(stem, "_"); i > 0 {
		stem = stem[:i]
	}
	if ident.IsTicketID(stem) {
		return stem
	}
	return ""
}

// headingTitle returns the first markdown heading, or fallback.
func headingTitle(body, fallback string) string {
	if m := headingPattern.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return fallback
}

// heuristicStatus scans the body for a status keyword. Unknown bodies are
// treated as active, matching how legacy files were read before migration.
func heuristicStatus(body string) Status {
	if m := statusWordPattern.FindStringSubmatch(body); m != nil {
		s := Status(normalizeStatusWord(m[1]))
		if s.IsValid() {
			return s
		}
	}
	return StatusActive
}

func heuristicTicketStatus(body string) TicketStatus {
	if m := statusWordPattern.FindStringSubmatch(body); m != nil {
		s := TicketStatus(normalizeStatusWord(m[1]))
		if s.IsValid() {
			return s
		}
	}
	return TicketPending
}

func normalizeStatusWord(w string) string {
	return strings.ReplaceAll(strings.ToLower(w), " ", "_")
}
