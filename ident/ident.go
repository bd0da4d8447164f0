// Package ident generates and validates Pyrite work-tracking identifiers.
//
// Three id families exist:
//
//	work effort  WE-YYMMDD-xxxx   (date + 4-char base-36 suffix)
//	ticket       TKT-xxxx-NNN     (parent suffix + zero-padded sequence)
//	checkpoint   CKPT-YYMMDD-HHMM (date + time of day)
package ident

import (
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	workEffortPattern = regexp.MustCompile(`^WE-(\d{6})-([a-z0-9]{4})$`)
	ticketPattern     = regexp.MustCompile(`^TKT-([a-z0-9]{4})-(\d{3})$`)
	checkpointPattern = regexp.MustCompile(`^CKPT-(\d{6})-(\d{4})$`)
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewWorkEffortID returns a fresh WE-YYMMDD-xxxx id for the given time.
// The suffix is random; callers that create files must retry on collision.
func NewWorkEffortID(now time.Time) string {
	return fmt.Sprintf("WE-%s-%s", now.Format("060102"), randomSuffix(4))
}

// NewTicketID builds TKT-xxxx-NNN from a parent work effort id and sequence.
func NewTicketID(parentID string, seq int) (string, error) {
	m := workEffortPattern.FindStringSubmatch(parentID)
	if m == nil {
		return "", fmt.Errorf("invalid parent work effort id %q", parentID)
	}
	return fmt.Sprintf("TKT-%s-%03d", m[2], seq), nil
}

// NewCheckpointID returns CKPT-YYMMDD-HHMM for the given time.
func NewCheckpointID(now time.Time) string {
	return fmt.Sprintf("CKPT-%s-%s", now.Format("060102"), now.Format("1504"))
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}

// IsWorkEffortID reports whether s is a valid work effort id.
func IsWorkEffortID(s string) bool { return workEffortPattern.MatchString(s) }

// IsTicketID reports whether s is a valid ticket id.
func IsTicketID(s string) bool { return ticketPattern.MatchString(s) }

// IsCheckpointID reports whether s is a valid checkpoint id.
func IsCheckpointID(s string) bool { return checkpointPattern.MatchString(s) }

// Suffix extracts the 4-char suffix from a work effort id, or "" if invalid.
func Suffix(workEffortID string) string {
	m := workEffortPattern.FindStringSubmatch(workEffortID)
	if m == nil {
		return ""
	}
	return m[2]
}

// TicketParent extracts the parent suffix and sequence number from a ticket id.
func TicketParent(ticketID string) (suffix string, seq int, ok bool) {
	m := ticketPattern.FindStringSubmatch(ticketID)
	if m == nil {
		return "", 0, false
	}
	n, _ := strconv.Atoi(m[2])
	return m[1], n, true
}

// NextTicketSeq scans dir (recursively one level: tickets live in a flat
// directory) for existing TKT-<suffix>-NNN files and returns the next unused
// sequence number. Sequence numbers are never reused even after removal.
func NextTicketSeq(dir, suffix string) int {
	pattern := regexp.MustCompile(`TKT-` + regexp.QuoteMeta(suffix) + `-(\d{3})`)
	max := 0
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	for _, e := range entries {
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// Slugify converts a title into a folder/file name component: lowercase,
// non-alphanumerics collapsed to single underscores, capped at 50 chars.
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = nonAlnum.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "_")
	}
	return s
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
