package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pyrite/server/audit"
	"github.com/pyrite/server/bus"
	"github.com/pyrite/server/engine"
	"github.com/pyrite/server/workeffort"
)

type testServer struct {
	*Server
	root string
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	eng, err := engine.New(bus.New(),
		engine.WithTimings(50*time.Millisecond, 200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	eng.Start()
	t.Cleanup(eng.Stop)

	root := t.TempDir()
	if err := eng.AddRepo("proj", root); err != nil {
		t.Fatalf("AddRepo: %v", err)
	}

	auditLog, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}

	return testServer{Server: NewServer(eng, auditLog), root: root}
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("tool result content is not text: %T", res.Content[0])
	}
	return tc.Text
}

func TestWorkEffortCreateAndList(t *testing.T) {
	ts := newTestServer(t)

	res, err := ts.handleWorkEffortCreate(context.Background(), callReq("workeffort_create", map[string]any{
		"repo":  "proj",
		"title": "Build the indexer",
	}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.IsError {
		t.Fatalf("create failed: %s", resultText(t, res))
	}

	var created workeffort.WorkEffort
	if err := json.Unmarshal([]byte(resultText(t, res)), &created); err != nil {
		t.Fatalf("unmarshal created effort: %v", err)
	}
	if created.Title != "Build the indexer" {
		t.Errorf("created title = %q", created.Title)
	}

	res, err = ts.handleWorkEffortList(context.Background(), callReq("workeffort_list", map[string]any{
		"repo": "proj",
	}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(resultText(t, res), created.ID) {
		t.Errorf("listing does not contain %s: %s", created.ID, resultText(t, res))
	}
}

func TestWorkEffortGetNotFound(t *testing.T) {
	ts := newTestServer(t)

	res, err := ts.handleWorkEffortGet(context.Background(), callReq("workeffort_get", map[string]any{
		"repo": "proj",
		"id":   "WE-260101-zzzz",
	}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "not_found") {
		t.Errorf("expected not_found error, got %s", resultText(t, res))
	}
}

func TestTicketCreateAllocatesSequence(t *testing.T) {
	ts := newTestServer(t)

	we, err := workeffort.Create(ts.root, "Parent", workeffort.StatusActive, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.engine.Refresh("proj"); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, title := range []string{"First", "Second"} {
		res, err := ts.handleTicketCreate(context.Background(), callReq("ticket_create", map[string]any{
			"repo":      "proj",
			"parent_id": we.ID,
			"title":     title,
			"agent_id":  "agent-a",
		}))
		if err != nil {
			t.Fatalf("ticket_create: %v", err)
		}
		if res.IsError {
			t.Fatalf("ticket_create failed: %s", resultText(t, res))
		}
		var tk workeffort.Ticket
		if err := json.Unmarshal([]byte(resultText(t, res)), &tk); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, tk.ID)
	}

	if !strings.HasSuffix(ids[0], "-001") || !strings.HasSuffix(ids[1], "-002") {
		t.Errorf("ticket ids = %v, want sequential -001, -002", ids)
	}
}

func TestUpdateStatusRefusedForNonHolder(t *testing.T) {
	ts := newTestServer(t)

	we, err := workeffort.Create(ts.root, "Contested", workeffort.StatusActive, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.engine.Refresh("proj"); err != nil {
		t.Fatal(err)
	}

	res, err := ts.handleAccessRequest(context.Background(), callReq("access_request", map[string]any{
		"repo":      "proj",
		"entity_id": we.ID,
		"agent_id":  "agent-a",
	}))
	if err != nil || res.IsError {
		t.Fatalf("access_request failed: %v %v", err, res)
	}

	res, err = ts.handleWorkEffortUpdateStatus(context.Background(), callReq("workeffort_update_status", map[string]any{
		"repo":     "proj",
		"id":       we.ID,
		"status":   "completed",
		"agent_id": "agent-b",
	}))
	if err != nil {
		t.Fatalf("update_status: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "conflict") {
		t.Errorf("expected conflict error, got %s", resultText(t, res))
	}

	// The holder can update.
	res, err = ts.handleWorkEffortUpdateStatus(context.Background(), callReq("workeffort_update_status", map[string]any{
		"repo":     "proj",
		"id":       we.ID,
		"status":   "completed",
		"agent_id": "agent-a",
	}))
	if err != nil {
		t.Fatalf("update_status: %v", err)
	}
	if res.IsError {
		t.Fatalf("holder update failed: %s", resultText(t, res))
	}

	snapshot, _ := ts.engine.Store().Get("proj")
	if len(snapshot.WorkEfforts) != 1 || snapshot.WorkEfforts[0].Status != workeffort.StatusCompleted {
		t.Errorf("snapshot not refreshed after mutation: %+v", snapshot.WorkEfforts)
	}
}

func TestAccessReleaseRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	we, err := workeffort.Create(ts.root, "Leased", workeffort.StatusActive, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ts.handleAccessRequest(context.Background(), callReq("access_request", map[string]any{
		"repo":      "proj",
		"entity_id": we.ID,
		"agent_id":  "agent-a",
	}))
	if err != nil || res.IsError {
		t.Fatalf("access_request failed: %v", err)
	}

	res, err = ts.handleAccessRelease(context.Background(), callReq("access_release", map[string]any{
		"repo":      "proj",
		"entity_id": we.ID,
		"agent_id":  "agent-a",
	}))
	if err != nil {
		t.Fatalf("access_release: %v", err)
	}
	if res.IsError {
		t.Fatalf("release failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), `"granted":true`) {
		t.Errorf("release result = %s", resultText(t, res))
	}
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	res, err := ts.handleAccessRequest(context.Background(), callReq("access_request", map[string]any{
		"repo":      "proj",
		"entity_id": "WE-260101-aaaa",
	}))
	if err != nil {
		t.Fatalf("access_request: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "agent_id is required") {
		t.Errorf("expected validation error, got %s", resultText(t, res))
	}
}

func TestKeymasterFollowsRepoRoot(t *testing.T) {
	ts := newTestServer(t)

	// Warm the keymaster cache against the original root.
	first, err := workeffort.Create(ts.root, "First home", workeffort.StatusActive, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := ts.handleAccessRequest(context.Background(), callReq("access_request", map[string]any{
		"repo":      "proj",
		"entity_id": first.ID,
		"agent_id":  "agent-a",
	}))
	if err != nil || res.IsError {
		t.Fatalf("access_request against original root failed: %v", err)
	}

	// Re-home the repository under the same name.
	if err := ts.engine.RemoveRepo("proj"); err != nil {
		t.Fatalf("RemoveRepo: %v", err)
	}
	newRoot := t.TempDir()
	if err := ts.engine.AddRepo("proj", newRoot); err != nil {
		t.Fatalf("AddRepo: %v", err)
	}
	moved, err := workeffort.Create(newRoot, "Second home", workeffort.StatusActive, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Leases must be served against the new root, not the cached old one.
	res, err = ts.handleAccessRequest(context.Background(), callReq("access_request", map[string]any{
		"repo":      "proj",
		"entity_id": moved.ID,
		"agent_id":  "agent-a",
	}))
	if err != nil {
		t.Fatalf("access_request: %v", err)
	}
	if res.IsError {
		t.Fatalf("access_request against re-homed repo failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), `"granted":true`) {
		t.Errorf("access result = %s", resultText(t, res))
	}
}
