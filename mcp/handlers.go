package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pyrite/server/keymaster"
	"github.com/pyrite/server/logger"
	"github.com/pyrite/server/workeffort"
)

// Titles are caller-supplied; keep log lines bounded.
const titleLogMaxLen = 80

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return InternalError(err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleWorkEffortList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo := req.GetString("repo", "")

	snapshots := s.engine.Store().All()
	if repo != "" {
		snapshot, ok := snapshots[repo]
		if !ok {
			return NotFound("repo", repo), nil
		}
		snapshots = map[string]workeffort.RepoState{repo: snapshot}
	}

	type repoListing struct {
		Repo        string                  `json:"repo"`
		WorkEfforts []workeffort.WorkEffort `json:"work_efforts"`
		Stats       workeffort.Stats        `json:"stats"`
		Error       string                  `json:"error,omitempty"`
	}
	listings := make([]repoListing, 0, len(snapshots))
	for name, snapshot := range snapshots {
		listings = append(listings, repoListing{
			Repo:        name,
			WorkEfforts: snapshot.WorkEfforts,
			Stats:       snapshot.Stats,
			Error:       snapshot.Error,
		})
	}
	return jsonResult(listings)
}

func (s *Server) handleWorkEffortGet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return ValidationError("repo is required"), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return ValidationError("id is required"), nil
	}

	snapshot, ok := s.engine.Store().Get(repo)
	if !ok {
		return NotFound("repo", repo), nil
	}
	for i := range snapshot.WorkEfforts {
		if snapshot.WorkEfforts[i].ID == id {
			return jsonResult(snapshot.WorkEfforts[i])
		}
	}
	return NotFound("workeffort", id), nil
}

func (s *Server) handleWorkEffortCreate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return ValidationError("repo is required"), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return ValidationError("title is required"), nil
	}
	status := workeffort.Status(req.GetString("status", string(workeffort.StatusActive)))
	if !status.IsValid() {
		return ValidationError("invalid status: " + string(status)), nil
	}

	root, ok := s.engine.Repos()[repo]
	if !ok {
		return NotFound("repo", repo), nil
	}

	created, err := workeffort.Create(root, title, status, time.Now())
	if err != nil {
		return InternalError(err), nil
	}
	slog.Info("work effort created", "repo", repo, "id", created.ID,
		"title", logger.Truncate(title, titleLogMaxLen))
	if _, err := s.engine.Refresh(repo); err != nil {
		return InternalError(err), nil
	}
	return jsonResult(created)
}

func (s *Server) handleWorkEffortUpdateStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return ValidationError("repo is required"), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return ValidationError("id is required"), nil
	}
	rawStatus, err := req.RequireString("status")
	if err != nil {
		return ValidationError("status is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return ValidationError("agent_id is required"), nil
	}

	status := workeffort.Status(rawStatus)
	if !status.IsValid() {
		return ValidationError("invalid status: " + rawStatus), nil
	}

	return s.mutateStatus(repo, id, agentID, string(status))
}

func (s *Server) handleTicketCreate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return ValidationError("repo is required"), nil
	}
	parentID, err := req.RequireString("parent_id")
	if err != nil {
		return ValidationError("parent_id is required"), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return ValidationError("title is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return ValidationError("agent_id is required"), nil
	}

	km, err := s.keymasterFor(repo)
	if err != nil {
		return NotFound("repo", repo), nil
	}
	root := s.engine.Repos()[repo]

	// Sequence allocation scans existing tickets, so it runs under the
	// parent's lock to stay race free across processes.
	var created workeffort.Ticket
	err = km.WithLock(parentID, agentID, func(string) error {
		var cerr error
		created, cerr = workeffort.CreateTicket(root, parentID, title, workeffort.TicketPending, time.Now())
		return cerr
	})
	if err != nil {
		if errors.Is(err, workeffort.ErrNotFound) {
			return NotFound("workeffort", parentID), nil
		}
		return InternalError(err), nil
	}
	slog.Info("ticket created", "repo", repo, "id", created.ID,
		"title", logger.Truncate(title, titleLogMaxLen))

	if _, err := s.engine.Refresh(repo); err != nil {
		return InternalError(err), nil
	}
	return jsonResult(created)
}

func (s *Server) handleTicketUpdateStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return ValidationError("repo is required"), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return ValidationError("id is required"), nil
	}
	rawStatus, err := req.RequireString("status")
	if err != nil {
		return ValidationError("status is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return ValidationError("agent_id is required"), nil
	}

	status := workeffort.TicketStatus(rawStatus)
	if !status.IsValid() {
		return ValidationError("invalid status: " + rawStatus), nil
	}

	return s.mutateStatus(repo, id, agentID, string(status))
}

func (s *Server) mutateStatus(repo, id, agentID, status string) (*mcp.CallToolResult, error) {
	km, err := s.keymasterFor(repo)
	if err != nil {
		return NotFound("repo", repo), nil
	}

	err = km.Mutate(id, agentID, func(fm *workeffort.Frontmatter, _ *string) error {
		fm.Status = status
		return nil
	})
	switch {
	case errors.Is(err, workeffort.ErrNotFound):
		return NotFound("entity", id), nil
	case errors.Is(err, keymaster.ErrHeldByOther):
		holder, herr := km.Holder(id)
		details := map[string]any{"entity_id": id}
		if herr == nil {
			details["holder"] = holder.AssignedTo
			details["expires"] = holder.Expires.UTC().Format(time.RFC3339)
		}
		return Conflict(err.Error(), details), nil
	case err != nil:
		return InternalError(err), nil
	}

	if _, err := s.engine.Refresh(repo); err != nil {
		return InternalError(err), nil
	}
	return jsonResult(map[string]string{"id": id, "status": status})
}

func (s *Server) handleAccessRequest(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, entityID, agentID, errResult := s.accessParams(req)
	if errResult != nil {
		return errResult, nil
	}

	km, err := s.keymasterFor(repo)
	if err != nil {
		return NotFound("repo", repo), nil
	}

	result, err := km.RequestAccess(entityID, agentID)
	if errors.Is(err, workeffort.ErrNotFound) {
		return NotFound("entity", entityID), nil
	}
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleAccessRelease(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, entityID, agentID, errResult := s.accessParams(req)
	if errResult != nil {
		return errResult, nil
	}

	km, err := s.keymasterFor(repo)
	if err != nil {
		return NotFound("repo", repo), nil
	}

	result, err := km.ReleaseAccess(entityID, agentID)
	if errors.Is(err, workeffort.ErrNotFound) {
		return NotFound("entity", entityID), nil
	}
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleAccessForceRelease(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return ValidationError("repo is required"), nil
	}
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return ValidationError("entity_id is required"), nil
	}
	reason, err := req.RequireString("reason")
	if err != nil {
		return ValidationError("reason is required"), nil
	}

	km, err := s.keymasterFor(repo)
	if err != nil {
		return NotFound("repo", repo), nil
	}

	if err := km.ForceRelease(entityID, reason); err != nil {
		if errors.Is(err, workeffort.ErrNotFound) {
			return NotFound("entity", entityID), nil
		}
		return InternalError(err), nil
	}
	return jsonResult(map[string]any{"entity_id": entityID, "released": true})
}

func (s *Server) accessParams(req mcp.CallToolRequest) (repo, entityID, agentID string, errResult *mcp.CallToolResult) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return "", "", "", ValidationError("repo is required")
	}
	entityID, err = req.RequireString("entity_id")
	if err != nil {
		return "", "", "", ValidationError("entity_id is required")
	}
	agentID, err = req.RequireString("agent_id")
	if err != nil {
		return "", "", "", ValidationError("agent_id is required")
	}
	return repo, entityID, agentID, nil
}
