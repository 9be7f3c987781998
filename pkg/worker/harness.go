package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/types"
)

// Behavior scripts what a harness does with the jobs it is handed. The zero
// value is a well-behaved worker that finishes quickly.
type Behavior struct {
	// RunFor is the simulated execution time. Defaults to 500ms.
	RunFor time.Duration
	// ProgressSteps is how many progress frames are spread across the run.
	// Defaults to 4.
	ProgressSteps int
	// HeartbeatEvery is the heartbeat cadence. Defaults to 1s.
	HeartbeatEvery time.Duration
	// FailClass, when set, makes the run finish with a failed frame of this
	// class instead of completed.
	FailClass string
	// FailMessage accompanies FailClass.
	FailMessage string
	// SilenceAfter, when positive, makes the worker go mute that long into
	// the run: no more heartbeats, progress, or completion, with the
	// connection left open. Simulates a wedged or partitioned worker.
	SilenceAfter time.Duration
	// IgnoreCancel makes the run press on through cancel requests, forcing
	// the dispatcher's grace timeout.
	IgnoreCancel bool
}

// Harness is an in-process worker: an HTTP server exposing the control
// endpoint, executing jobs by simulation. The local provider spawns one per
// instance; tests script its Behavior to reproduce worker failure modes.
type Harness struct {
	token    string
	behavior Behavior
	logger   zerolog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	runCancel context.CancelFunc
}

// NewHarness creates a harness that accepts control connections bearing
// token. Call Start to bind a port.
func NewHarness(token string, behavior Behavior) *Harness {
	h := &Harness{
		token:    token,
		behavior: behavior,
		logger:   log.WithComponent("worker"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ControlPath, h.handleControl)
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Start binds a loopback port and begins serving the control endpoint.
func (h *Harness) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind worker port: %w", err)
	}
	h.listener = listener
	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error().Err(err).Msg("Worker control server stopped")
		}
	}()
	h.logger.Debug().Str("addr", h.Addr()).Msg("Worker harness listening")
	return nil
}

// Addr returns the host:port the harness is bound to. Valid after Start.
func (h *Harness) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop tears the harness down: the in-flight run is cancelled, the control
// connection closed, the server shut down.
func (h *Harness) Stop() {
	h.mu.Lock()
	if h.runCancel != nil {
		h.runCancel()
		h.runCancel = nil
	}
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.server.Shutdown(ctx)
}

func (h *Harness) handleControl(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// One control connection at a time; a redial replaces the old one.
	h.mu.Lock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.conn = conn
	h.mu.Unlock()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			h.mu.Lock()
			if h.conn == conn {
				h.conn = nil
			}
			h.mu.Unlock()
			return
		}
		switch msg.Type {
		case MessageStart:
			h.startRun(msg)
		case MessageCancel:
			h.cancelRun()
		case MessagePing:
			_ = h.send(Message{Type: MessageHeartbeat})
		}
	}
}

func (h *Harness) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	return strings.HasPrefix(header, "Bearer ") && strings.TrimPrefix(header, "Bearer ") == h.token
}

func (h *Harness) startRun(msg Message) {
	h.mu.Lock()
	if h.runCancel != nil {
		// A replacement start supersedes the previous run.
		h.runCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.runCancel = cancel
	h.mu.Unlock()

	go h.run(ctx, msg.Job, msg.ResultUploadURI)
}

func (h *Harness) cancelRun() {
	h.mu.Lock()
	cancel := h.runCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run simulates executing one job, emitting heartbeats and progress along
// the way and a terminal frame at the end.
func (h *Harness) run(ctx context.Context, job *types.Job, uploadURI string) {
	b := h.behavior
	if b.RunFor <= 0 {
		b.RunFor = 500 * time.Millisecond
	}
	if b.ProgressSteps <= 0 {
		b.ProgressSteps = 4
	}
	if b.HeartbeatEvery <= 0 {
		b.HeartbeatEvery = time.Second
	}

	logger := h.logger
	if job != nil {
		logger = logger.With().Str("job_id", job.ID).Logger()
	}
	logger.Debug().Dur("run_for", b.RunFor).Msg("Worker run starting")

	heartbeat := time.NewTicker(b.HeartbeatEvery)
	defer heartbeat.Stop()
	step := b.RunFor / time.Duration(b.ProgressSteps)
	if step <= 0 {
		step = b.RunFor
	}
	progress := time.NewTicker(step)
	defer progress.Stop()
	done := time.NewTimer(b.RunFor)
	defer done.Stop()

	var mute <-chan time.Time
	if b.SilenceAfter > 0 {
		mute = time.After(b.SilenceAfter)
	}
	cancelled := ctx.Done()
	if b.IgnoreCancel {
		cancelled = nil
	}

	pct := 0
	for {
		select {
		case <-cancelled:
			_ = h.send(Message{Type: MessageFailed, Class: types.ErrClassPermanent, Text: "cancelled on request"})
			return
		case <-mute:
			logger.Debug().Msg("Worker going silent")
			return
		case <-heartbeat.C:
			_ = h.send(Message{Type: MessageHeartbeat})
		case <-progress.C:
			if pct < 100-100/b.ProgressSteps {
				pct += 100 / b.ProgressSteps
				_ = h.send(Message{Type: MessageProgress, Pct: pct})
			}
		case <-done.C:
			h.finish(uploadURI)
			return
		}
	}
}

func (h *Harness) finish(uploadURI string) {
	if h.behavior.FailClass != "" {
		text := h.behavior.FailMessage
		if text == "" {
			text = "simulated failure"
		}
		_ = h.send(Message{Type: MessageFailed, Class: h.behavior.FailClass, Text: text})
		return
	}
	ref := strings.TrimSuffix(uploadURI, "/") + "/result.json"
	_ = h.send(Message{Type: MessageCompleted, ResultRef: ref})
}

// send writes one frame on the current control connection. Writes are
// serialized; gorilla connections allow only one concurrent writer.
func (h *Harness) send(msg Message) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no control connection")
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteJSON(msg)
}
