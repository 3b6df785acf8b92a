package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // same-origin requests carry no Origin header
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		log.Printf("realtime: rejected websocket origin %q", origin)
		return false
	},
}

// Actions are the client-triggerable operations the gateway exposes. Each is
// optional; a missing action is acked with an error.
type Actions struct {
	// Done requests idempotent completion of a session.
	Done func(ctx context.Context, sessionID string) error
	// Postprocess kicks an immediate reconciliation sweep.
	Postprocess func(ctx context.Context) error
	// ExtractTasks runs task extraction over caller-supplied text chunks.
	ExtractTasks func(ctx context.Context, chunks []string) ([]string, error)
}

// clientAction is the inbound websocket frame.
type clientAction struct {
	Action    string   `json:"action"` // subscribe, unsubscribe, done, postprocess, extract
	SessionID string   `json:"session_id,omitempty"`
	Chunks    []string `json:"chunks,omitempty"`
}

// ack is the response frame for a client action.
type ack struct {
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	Tasks []string `json:"tasks,omitempty"`
}

// ServerOpts holds parameters for creating a gateway Server.
type ServerOpts struct {
	Hub     *Hub
	Actions Actions
}

// Server is the realtime gateway: a websocket endpoint for bidirectional
// subscribe/action traffic and an SSE endpoint for read-only consumers.
type Server struct {
	hub     *Hub
	actions Actions
}

// NewServer creates a gateway Server.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("realtime: hub is required")
	}
	return &Server{hub: opts.Hub, actions: opts.Actions}, nil
}

// Routes registers the gateway endpoints on a gin engine.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.handleWS)
	r.GET("/events/:session_id", s.handleSSE)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "subscribers": s.hub.SubscriberCount()})
	})
}

// Run serves the gateway until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.Routes(r)

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("realtime: serve %s: %w", addr, err)
		}
		return nil
	}
}

// handleWS upgrades the connection and pumps actions and events.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("realtime: upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, add, remove, unsub := s.hub.Subscribe(ctx)
	defer unsub()

	// gorilla connections allow one concurrent writer.
	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Event pump.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := writeJSON(evt); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Action loop.
	for {
		var action clientAction
		if err := conn.ReadJSON(&action); err != nil {
			return
		}
		resp := s.execute(ctx, action, add, remove)
		if err := writeJSON(resp); err != nil {
			return
		}
	}
}

// execute runs one client action and builds its ack.
func (s *Server) execute(ctx context.Context, action clientAction, add, remove func(string)) ack {
	switch action.Action {
	case "subscribe":
		if action.SessionID == "" {
			return ack{OK: false, Error: "session_id is required"}
		}
		add(action.SessionID)
		return ack{OK: true}

	case "unsubscribe":
		if action.SessionID == "" {
			return ack{OK: false, Error: "session_id is required"}
		}
		remove(action.SessionID)
		return ack{OK: true}

	case "done":
		if s.actions.Done == nil {
			return ack{OK: false, Error: "done is not available"}
		}
		if err := s.actions.Done(ctx, action.SessionID); err != nil {
			log.Printf("realtime: done %s: %v", action.SessionID, err)
			return ack{OK: false, Error: "could not complete session"}
		}
		return ack{OK: true}

	case "postprocess":
		if s.actions.Postprocess == nil {
			return ack{OK: false, Error: "postprocess is not available"}
		}
		if err := s.actions.Postprocess(ctx); err != nil {
			log.Printf("realtime: postprocess: %v", err)
			return ack{OK: false, Error: "could not start postprocessing"}
		}
		return ack{OK: true}

	case "extract":
		if s.actions.ExtractTasks == nil {
			return ack{OK: false, Error: "extract is not available"}
		}
		tasks, err := s.actions.ExtractTasks(ctx, action.Chunks)
		if err != nil {
			log.Printf("realtime: extract: %v", err)
			return ack{OK: false, Error: "extraction failed"}
		}
		return ack{OK: true, Tasks: tasks}

	default:
		return ack{OK: false, Error: fmt.Sprintf("unknown action %q", action.Action)}
	}
}

// handleSSE streams one session's events as server-sent events.
func (s *Server) handleSSE(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "session_id is required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	events, add, _, unsub := s.hub.Subscribe(ctx)
	defer unsub()
	add(sessionID)

	writeSSE(c, "connected", map[string]string{"session_id": sessionID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			writeSSE(c, evt.Event, evt)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event frame.
func writeSSE(c *gin.Context, event string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, jsonData)
}
