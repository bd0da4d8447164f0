package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pyrite/server/engine"
	"github.com/pyrite/server/workeffort"
	"github.com/sourcegraph/jsonrpc2"
)

// sendQueueSize bounds the per-connection outbound buffer. A consumer that
// falls further behind than this loses notifications rather than stalling
// the pipeline; the next update carries the full snapshot anyway.
const sendQueueSize = 64

type outbound struct {
	method string
	params any
}

// client is one connected observer with its own writer goroutine.
type client struct {
	connID string
	conn   *jsonrpc2.Conn
	queue  chan outbound
	once   sync.Once
	done   chan struct{}
}

func newClient(connID string, conn *jsonrpc2.Conn) *client {
	c := &client{
		connID: connID,
		conn:   conn,
		queue:  make(chan outbound, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			if err := c.conn.Notify(context.Background(), msg.method, msg.params); err != nil {
				slog.Debug("notify failed", "connId", c.connID, "method", msg.method, "error", err)
			}
		}
	}
}

// enqueue never blocks. A full queue drops the message.
func (c *client) enqueue(method string, params any) {
	select {
	case c.queue <- outbound{method: method, params: params}:
	default:
		slog.Warn("dropping notification for slow connection", "connId", c.connID, "method", method)
	}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans pipeline outcomes out to every connected observer. It implements
// engine.Notifier; all methods return without waiting on any consumer.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

var _ engine.Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) register(connID string, conn *jsonrpc2.Conn) *client {
	c := newClient(connID, conn)
	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()
	if ok {
		c.stop()
	}
}

func (h *Hub) broadcast(method string, params any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(method, params)
	}
}

// RepoUpdated announces a fresh snapshot for one repository.
func (h *Hub) RepoUpdated(repo string, snapshot workeffort.RepoState) {
	h.broadcast(methodUpdate, UpdateParams{
		Repo:        repo,
		WorkEfforts: snapshot.WorkEfforts,
		Stats:       snapshot.Stats,
		Error:       snapshot.Error,
	})
}

// ReposChanged announces repository registration changes.
func (h *Hub) ReposChanged(action string, repos []string) {
	h.broadcast(methodRepoChange, RepoChangeParams{Action: action, Repos: repos})
}

// RepoError announces a recoverable observation failure.
func (h *Hub) RepoError(repo, message string) {
	h.broadcast(methodError, ErrorParams{Repo: repo, Message: message})
}
