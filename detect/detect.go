// Package detect derives domain events from consecutive repository
// snapshots. Diff is a pure function: the same two snapshots always yield
// the same event list, in work-effort order with each effort's ticket
// events following its own.
package detect

import (
	"github.com/pyrite/server/bus"
	"github.com/pyrite/server/workeffort"
)

// Diff compares two snapshots of one repository and returns the minimal set
// of typed events. Membership and status comparison use id-keyed maps, so
// the cost is O(W + T).
//
// Entities present in prev but absent from next produce no event: deletion
// detection is a known, deliberate gap (bus.TopicWorkEffortDeleted is
// declared but never emitted here). Do not "fix" this without a follow-up
// requirement; observers rely on the current behavior.
func Diff(repo string, prev, next workeffort.RepoState) []bus.Event {
	var events []bus.Event

	prevByID := make(map[string]workeffort.WorkEffort, len(prev.WorkEfforts))
	for _, we := range prev.WorkEfforts {
		prevByID[we.ID] = we
	}

	for i := range next.WorkEfforts {
		we := &next.WorkEfforts[i]
		old, existed := prevByID[we.ID]

		if !existed {
			events = append(events, bus.Event{
				Topic:      bus.TopicWorkEffortCreated,
				Repo:       repo,
				Time:       next.LastUpdated,
				WorkEffort: we,
				NewStatus:  string(we.Status),
			})
			// All tickets of a brand-new effort are new too.
			for j := range we.Tickets {
				events = append(events, ticketCreated(repo, next, &we.Tickets[j]))
			}
			continue
		}

		if old.Status != we.Status {
			events = append(events, bus.Event{
				Topic:      workEffortTransitionTopic(we.Status),
				Repo:       repo,
				Time:       next.LastUpdated,
				WorkEffort: we,
				PrevStatus: string(old.Status),
				NewStatus:  string(we.Status),
			})
		}

		events = append(events, diffTickets(repo, next, old.Tickets, we.Tickets)...)
	}

	return events
}

func diffTickets(repo string, next workeffort.RepoState, prev, cur []workeffort.Ticket) []bus.Event {
	var events []bus.Event

	prevByID := make(map[string]workeffort.Ticket, len(prev))
	for _, tk := range prev {
		prevByID[tk.ID] = tk
	}

	for i := range cur {
		tk := &cur[i]
		old, existed := prevByID[tk.ID]

		if !existed {
			events = append(events, ticketCreated(repo, next, tk))
			continue
		}
		if old.Status != tk.Status {
			events = append(events, bus.Event{
				Topic:      ticketTransitionTopic(tk.Status),
				Repo:       repo,
				Time:       next.LastUpdated,
				Ticket:     tk,
				PrevStatus: string(old.Status),
				NewStatus:  string(tk.Status),
			})
		}
	}
	return events
}

func ticketCreated(repo string, next workeffort.RepoState, tk *workeffort.Ticket) bus.Event {
	return bus.Event{
		Topic:     bus.TopicTicketCreated,
		Repo:      repo,
		Time:      next.LastUpdated,
		Ticket:    tk,
		NewStatus: string(tk.Status),
	}
}

// workEffortTransitionTopic maps a new status to its event name. The mapping
// is fixed: completed and paused get dedicated topics, any move into an
// active state is "started", everything else is a plain update.
func workEffortTransitionTopic(s workeffort.Status) bus.Topic {
	switch s {
	case workeffort.StatusCompleted:
		return bus.TopicWorkEffortCompleted
	case workeffort.StatusActive, workeffort.StatusInProgress:
		return bus.TopicWorkEffortStarted
	case workeffort.StatusPaused:
		return bus.TopicWorkEffortPaused
	default:
		return bus.TopicWorkEffortUpdated
	}
}

func ticketTransitionTopic(s workeffort.TicketStatus) bus.Topic {
	switch s {
	case workeffort.TicketCompleted:
		return bus.TopicTicketCompleted
	case workeffort.TicketBlocked:
		return bus.TopicTicketBlocked
	default:
		return bus.TopicTicketUpdated
	}
}
