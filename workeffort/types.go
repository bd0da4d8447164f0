package workeffort

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("work effort not found")
	ErrInvalid  = errors.New("invalid work effort")
)

// Status is the lifecycle state of a work effort.
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
)

// IsValid returns true if the status is one of the valid values.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusPending, StatusInProgress, StatusBlocked:
		return true
	default:
		return false
	}
}

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending    TicketStatus = "pending"
	TicketInProgress TicketStatus = "in_progress"
	TicketCompleted  TicketStatus = "completed"
	TicketBlocked    TicketStatus = "blocked"
	TicketCancelled  TicketStatus = "cancelled"
)

func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketPending, TicketInProgress, TicketCompleted, TicketBlocked, TicketCancelled:
		return true
	default:
		return false
	}
}

// Format identifies which on-disk convention produced an entity.
type Format string

const (
	// FormatStandard is the WE-YYMMDD-xxxx_<slug>/ directory layout with an
	// index file and a tickets/ subdirectory.
	FormatStandard Format = "standard"
	// FormatLegacy is the two-level numeric (Johnny Decimal) layout where
	// each NN.NN_*.md file is one work effort.
	FormatLegacy Format = "johnny_decimal"
)

// Assignment is the cooperative write lease persisted inside the entity's
// own file. A zero Assignment means the entity is unassigned.
type Assignment struct {
	AssignedTo string    `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	AssignedAt time.Time `json:"assigned_at,omitempty" yaml:"assigned_at,omitempty"`
	Expires    time.Time `json:"assignment_expires,omitempty" yaml:"assignment_expires,omitempty"`
}

// Held reports whether the lease is currently held (assigned and not expired).
func (a Assignment) Held(now time.Time) bool {
	return a.AssignedTo != "" && now.Before(a.Expires)
}

// Expired reports whether the lease was assigned but has lapsed.
func (a Assignment) Expired(now time.Time) bool {
	return a.AssignedTo != "" && !now.Before(a.Expires)
}

// Ticket is a sub-task belonging to exactly one work effort. Parent is a
// back-reference only; the ticket does not own its parent.
type Ticket struct {
	ID     string       `json:"id"`
	Title  string       `json:"title"`
	Status TicketStatus `json:"status"`
	Parent string       `json:"parent,omitempty"`
}

// WorkEffort is the top-level trackable unit of work. The id is immutable
// after creation and never reused.
type WorkEffort struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     Status     `json:"status"`
	Created    time.Time  `json:"created"`
	Branch     string     `json:"branch,omitempty"`
	Repository string     `json:"repository,omitempty"`
	Assignment Assignment `json:"assignment,omitzero"`
	Format     Format     `json:"format"`
	Tickets    []Ticket   `json:"tickets"`

	// Path is the absolute path of the entity file (the index file for
	// standard format). Not serialized to observers.
	Path string `json:"-"`
}

// Stats aggregates counts for one repository snapshot.
type Stats struct {
	WorkEfforts int                  `json:"work_efforts"`
	Tickets     int                  `json:"tickets"`
	ByStatus    map[Status]int       `json:"by_status"`
	ByFormat    map[Format]int       `json:"by_format"`
	ByTicket    map[TicketStatus]int `json:"by_ticket_status"`
}

// RepoState is the complete, immutable snapshot of one repository. It is
// always replaced whole, never partially mutated.
type RepoState struct {
	WorkEfforts []WorkEffort `json:"work_efforts"`
	Stats       Stats        `json:"stats"`
	Error       string       `json:"error,omitempty"`
	LastUpdated time.Time    `json:"last_updated"`
}

// ComputeStats recalculates aggregate counts from the work effort list.
func ComputeStats(efforts []WorkEffort) Stats {
	stats := Stats{
		ByStatus: make(map[Status]int),
		ByFormat: make(map[Format]int),
		ByTicket: make(map[TicketStatus]int),
	}
	for _, we := range efforts {
		stats.WorkEfforts++
		stats.ByStatus[we.Status]++
		stats.ByFormat[we.Format]++
		for _, tk := range we.Tickets {
			stats.Tickets++
			stats.ByTicket[tk.Status]++
		}
	}
	return stats
}
