// Package mcp exposes the repository observation and access control surface
// as a stdio MCP server so AI agents can list, create and update work
// efforts with the same lease discipline human tooling uses.
package mcp

import (
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pyrite/server/audit"
	"github.com/pyrite/server/engine"
	"github.com/pyrite/server/keymaster"
)

type Server struct {
	engine *engine.Engine
	audit  *audit.Logger
	kmOpts []keymaster.Option

	mu         sync.Mutex
	keymasters map[string]*keymaster.Keymaster // by work-efforts root
}

func NewServer(eng *engine.Engine, auditLog *audit.Logger, kmOpts ...keymaster.Option) *Server {
	return &Server{
		engine:     eng,
		audit:      auditLog,
		kmOpts:     kmOpts,
		keymasters: make(map[string]*keymaster.Keymaster),
	}
}

// keymasterFor returns the lease manager for a registered repository. The
// cache is keyed by root, not name, so a repository removed and re-added
// under a different root never serves leases against the old path.
func (s *Server) keymasterFor(repo string) (*keymaster.Keymaster, error) {
	root, ok := s.engine.Repos()[repo]
	if !ok {
		return nil, fmt.Errorf("repository %s is not registered", repo)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if km, ok := s.keymasters[root]; ok {
		return km, nil
	}
	km := keymaster.New(root, s.audit, s.kmOpts...)
	s.keymasters[root] = km
	return km, nil
}

// MCPServer builds the tool registry. ServeStdio on the result runs the
// stdio loop to completion.
func (s *Server) MCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"pyrite",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	srv.AddTool(mcp.NewTool("workeffort_list",
		mcp.WithDescription("List work efforts across observed repositories, optionally scoped to one repository."),
		mcp.WithString("repo", mcp.Description("Repository name to scope the listing")),
	), s.handleWorkEffortList)

	srv.AddTool(mcp.NewTool("workeffort_get",
		mcp.WithDescription("Get a single work effort with its tickets and assignment state."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Work effort ID (WE-YYMMDD-xxxx)")),
	), s.handleWorkEffortGet)

	srv.AddTool(mcp.NewTool("workeffort_create",
		mcp.WithDescription("Create a new work effort directory with an index file and tickets/ subdirectory."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Work effort title")),
		mcp.WithString("status", mcp.Description("Initial status"),
			mcp.Enum("active", "paused", "completed", "pending", "in_progress", "blocked")),
	), s.handleWorkEffortCreate)

	srv.AddTool(mcp.NewTool("workeffort_update_status",
		mcp.WithDescription("Update a work effort's status. Refused if another agent holds its lease."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Work effort ID")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status"),
			mcp.Enum("active", "paused", "completed", "pending", "in_progress", "blocked")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Acting agent identity")),
	), s.handleWorkEffortUpdateStatus)

	srv.AddTool(mcp.NewTool("ticket_create",
		mcp.WithDescription("Create a ticket under a work effort. Sequence numbers are allocated under the entity lock and never reused."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("parent_id", mcp.Required(), mcp.Description("Parent work effort ID")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Ticket title")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Acting agent identity")),
	), s.handleTicketCreate)

	srv.AddTool(mcp.NewTool("ticket_update_status",
		mcp.WithDescription("Update a ticket's status. Refused if another agent holds its lease."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Ticket ID (TKT-xxxx-NNN)")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status"),
			mcp.Enum("pending", "in_progress", "completed", "blocked", "cancelled")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Acting agent identity")),
	), s.handleTicketUpdateStatus)

	srv.AddTool(mcp.NewTool("access_request",
		mcp.WithDescription("Request the write lease on an entity. Reports the current holder when denied; expired leases are reclaimed."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Work effort or ticket ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Requesting agent identity")),
	), s.handleAccessRequest)

	srv.AddTool(mcp.NewTool("access_release",
		mcp.WithDescription("Release the write lease on an entity. Only the holder can release."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Work effort or ticket ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Releasing agent identity")),
	), s.handleAccessRelease)

	srv.AddTool(mcp.NewTool("access_force_release",
		mcp.WithDescription("Forcibly clear an entity's lease regardless of holder. The reason and previous holder are logged."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository name")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Work effort or ticket ID")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the lease is being cleared")),
	), s.handleAccessForceRelease)

	return srv
}

// ServeStdio runs the MCP server over stdin and stdout until EOF.
func (s *Server) ServeStdio(version string) error {
	return server.ServeStdio(s.MCPServer(version))
}
