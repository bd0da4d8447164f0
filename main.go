package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	"github.com/pyrite/server/audit"
	"github.com/pyrite/server/bus"
	"github.com/pyrite/server/config"
	"github.com/pyrite/server/engine"
	"github.com/pyrite/server/keymaster"
	"github.com/pyrite/server/logger"
	"github.com/pyrite/server/mcp"
	"github.com/pyrite/server/ws"
	"golang.org/x/term"
)

const version = "0.1.0"

func newHandler(token string, devMode bool, eng *engine.Engine, hub *ws.Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"pong"}`))
	})

	// WebSocket endpoint (auth is the first JSON-RPC request on the socket)
	mux.Handle("GET /ws", ws.NewRPCHandler(token, version, devMode, eng, hub))

	return mux
}

func main() {
	mcpMode := flag.Bool("mcp", false, "run as a stdio MCP server instead of the websocket server")
	workspace := flag.String("workspace", "", "directory containing pyrite.yml (default: current directory)")
	flag.Parse()

	cfg, err := config.Load(*workspace)
	if err != nil {
		log.Fatal(err)
	}

	// In MCP mode stdout carries the protocol, so logs must go to the file.
	logger.Init(logger.Config{
		DataDir: cfg.DataDir,
		DevMode: cfg.Server.DevMode && !*mcpMode,
	})

	hub := ws.NewHub()
	eng, err := engine.New(bus.New(),
		engine.WithTimings(cfg.Debounce(), cfg.Throttle()),
		engine.WithNotifier(hub),
	)
	if err != nil {
		log.Fatal(err)
	}
	eng.Start()
	defer eng.Stop()

	added, failed := eng.AddRepos(cfg.Repos)
	for name, addErr := range failed {
		slog.Warn("skipping repository", "repo", name, "error", addErr)
	}
	slog.Info("observing repositories", "count", len(added))

	auditLog, err := audit.NewLogger(filepath.Join(cfg.DataDir, "audit.jsonl"))
	if err != nil {
		log.Fatal(err)
	}

	if *mcpMode {
		srv := mcp.NewServer(eng, auditLog,
			keymaster.WithLeaseDuration(cfg.LeaseDuration()),
			keymaster.WithLockTimeout(cfg.LockTimeout()),
		)
		if err := srv.ServeStdio(version); err != nil {
			log.Fatal(err)
		}
		return
	}

	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		log.Fatal("AUTH_TOKEN environment variable is required")
	}

	handler := newHandler(token, cfg.Server.DevMode, eng, hub)

	printConnectBanner(cfg.Server.Port, token)

	slog.Info("server starting", "port", cfg.Server.Port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port), handler); err != nil {
		log.Fatal(err)
	}
}

// printConnectBanner shows the websocket URL, plus a QR code when stdout is
// an interactive terminal.
func printConnectBanner(port int, token string) {
	url := fmt.Sprintf("ws://localhost:%d/ws", port)
	fmt.Printf("Connect: %s\n", url)

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	qrterminal.GenerateHalfBlock(url+"?token="+token, qrterminal.L, os.Stdout)
}
