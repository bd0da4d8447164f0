package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/pyrite/server/engine"
	"github.com/pyrite/server/logger"
	"github.com/sourcegraph/jsonrpc2"
)

// RPCHandler serves JSON-RPC 2.0 over WebSocket. Every connection must
// authenticate with its first request before anything else is dispatched.
type RPCHandler struct {
	token   string
	version string
	devMode bool
	engine  *engine.Engine
	hub     *Hub
}

func NewRPCHandler(token, version string, devMode bool, eng *engine.Engine, hub *Hub) *RPCHandler {
	return &RPCHandler{
		token:   token,
		version: version,
		devMode: devMode,
		engine:  eng,
		hub:     hub,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := newWebSocketStream(wsConn)
	h.HandleStream(ctx, stream, logger.NewConnID())
}

// HandleStream runs one connection to completion. Split out from the HTTP
// layer so tests can drive it over an in-memory stream.
func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := logger.NewConnLogger(connID)
	log.Info("new connection")

	handler := &rpcMethodHandler{
		RPCHandler: h,
		connID:     connID,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))

	<-rpcConn.DisconnectNotify()

	h.hub.unregister(connID)
	log.Info("connection closed")
}

type rpcMethodHandler struct {
	*RPCHandler
	connID        string
	log           *slog.Logger
	authMu        sync.Mutex
	authenticated bool
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.connID)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "refresh":
		h.handleRefresh(ctx, conn, req)
	case "repo.list":
		h.handleRepoList(ctx, conn, req)
	case "repo.add":
		h.handleRepoAdd(ctx, conn, req)
	case "repo.remove":
		h.handleRepoRemove(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.setAuthenticated()
	h.log.Info("authenticated")

	if err := conn.Reply(ctx, req.ID, AuthResult{Version: h.version}); err != nil {
		h.log.Error("failed to send auth response", "error", err)
		return
	}

	// Deliver the full current state before the connection joins the
	// broadcast set, so it never observes a gap.
	repos := make(map[string]RepoSnapshot)
	for name := range h.engine.Repos() {
		if snapshot, ok := h.engine.Store().Get(name); ok {
			repos[name] = snapshotWire(snapshot)
		}
	}
	if err := conn.Notify(ctx, methodInit, InitParams{Repos: repos}); err != nil {
		h.log.Error("failed to send init state", "error", err)
	}

	h.hub.register(h.connID, conn)
}

func (h *rpcMethodHandler) handleRefresh(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params RefreshParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.Repo == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "repo is required")
		return
	}

	snapshot, err := h.engine.Refresh(params.Repo)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	if err := conn.Reply(ctx, req.ID, snapshotWire(snapshot)); err != nil {
		h.log.Error("failed to send refresh response", "error", err)
	}
}

func (h *rpcMethodHandler) handleRepoList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if err := conn.Reply(ctx, req.ID, RepoListResult{Repos: h.engine.Repos()}); err != nil {
		h.log.Error("failed to send repo list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleRepoAdd(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params RepoAddParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.Name == "" || params.Root == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "name and root are required")
		return
	}

	if err := h.engine.AddRepo(params.Name, params.Root); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send repo add response", "error", err)
	}
}

func (h *rpcMethodHandler) handleRepoRemove(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params RepoRemoveParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.engine.RemoveRepo(params.Name); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send repo remove response", "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
