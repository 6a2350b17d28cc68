// Package gateway relays interactive terminal sessions between a browser
// WebSocket and a TTY exec inside the lab container.
//
// Binary frames carry terminal bytes in both directions. Text frames from the
// client carry JSON control messages; the only one is
//
//	{"type":"resize","cols":120,"rows":40}
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/p-arndt/labkasten/internal/auth"
	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	outputBuffer = 32 << 10
)

type controlMessage struct {
	Type string `json:"type"`
	Cols uint   `json:"cols"`
	Rows uint   `json:"rows"`
}

type Gateway struct {
	sessions Sessions
	upgrader websocket.Upgrader
	throttle time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*sessionLimiter
}

// sessionLimiter throttles activity touches for one session across all of
// its open terminals.
type sessionLimiter struct {
	lim   *rate.Limiter
	conns int
}

func New(sessions Sessions, cfg config.GatewayConfig, logger *slog.Logger) *Gateway {
	g := &Gateway{
		sessions: sessions,
		throttle: cfg.ActivityThrottle(),
		logger:   logger,
		limiters: make(map[string]*sessionLimiter),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := cfg.AllowedOrigins
		g.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowed, origin)
		}
	}
	return g
}

// Authorize checks that claims may open a terminal in session id and that
// the session has a live container.
func (g *Gateway) Authorize(ctx context.Context, claims *auth.Claims, id string) (*store.Session, error) {
	sess, err := g.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claims.CanAccess(sess.UserID) {
		return nil, fmt.Errorf("%w: session %s belongs to another user", auth.ErrForbidden, id)
	}
	if !claims.InCourse(sess.CourseID) {
		return nil, fmt.Errorf("%w: session %s is outside course %s", auth.ErrForbidden, id, claims.CourseID)
	}
	if sess.Status != store.StatusRunning && sess.Status != store.StatusIdle {
		return nil, fmt.Errorf("%w: %s (status=%s)", session.ErrNotRunning, id, sess.Status)
	}
	return sess, nil
}

// Serve authorizes the caller, opens the exec and upgrades the connection.
// Errors returned happen before the upgrade and can still be written as an
// HTTP response; once upgraded, Serve returns nil when the terminal closes.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, claims *auth.Claims, id string) error {
	sess, err := g.Authorize(r.Context(), claims, id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := g.sessions.Attach(ctx, id, runtime.ExecOptions{
		Cmd: g.sessions.ShellFor(sess),
		Tty: true,
		Env: []string{"TERM=xterm-256color"},
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Warn("gateway: websocket upgrade", "session_id", id, "error", err)
		return nil
	}
	defer conn.Close()

	g.acquire(id)
	defer g.release(id)

	g.logger.Info("terminal opened", "session_id", id, "user_id", claims.UserID())
	g.relay(ctx, conn, stream, id)
	g.logger.Info("terminal closed", "session_id", id, "user_id", claims.UserID())
	return nil
}

// relay pumps bytes until either side goes away. The output goroutine is the
// only writer of data frames; control frames use WriteControl, which may run
// concurrently with it.
func (g *Gateway) relay(ctx context.Context, conn *websocket.Conn, stream runtime.ExecStream, id string) {
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		g.pumpOutput(ctx, conn, stream, id)
	}()

	stopPing := make(chan struct{})
	go g.keepAlive(conn, stopPing)

	g.pumpInput(ctx, conn, stream, id)

	close(stopPing)
	stream.Close()
	<-outputDone
}

func (g *Gateway) pumpOutput(ctx context.Context, conn *websocket.Conn, stream runtime.ExecStream, id string) {
	buf := make([]byte, outputBuffer)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
			g.touch(ctx, id)
		}
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			// Unblock the input loop.
			conn.Close()
			return
		}
	}
}

func (g *Gateway) pumpInput(ctx context.Context, conn *websocket.Conn, stream runtime.ExecStream, id string) {
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("gateway: read", "session_id", id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			if _, err := stream.Write(data); err != nil {
				g.logger.Debug("gateway: write to exec", "session_id", id, "error", err)
				return
			}
			g.touch(ctx, id)
		case websocket.TextMessage:
			if err := g.control(ctx, stream, data); err != nil {
				g.logger.Debug("gateway: control message", "session_id", id, "error", err)
			}
		}
	}
}

var errUnknownControl = errors.New("unknown control message")

func (g *Gateway) control(ctx context.Context, stream runtime.ExecStream, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	switch msg.Type {
	case "resize":
		if msg.Cols == 0 || msg.Rows == 0 {
			return fmt.Errorf("resize to %dx%d", msg.Cols, msg.Rows)
		}
		return stream.Resize(ctx, msg.Cols, msg.Rows)
	default:
		return fmt.Errorf("%w: %q", errUnknownControl, msg.Type)
	}
}

func (g *Gateway) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// touch records activity at most once per throttle interval per session.
func (g *Gateway) touch(ctx context.Context, id string) {
	g.mu.Lock()
	sl, ok := g.limiters[id]
	g.mu.Unlock()
	if !ok || !sl.lim.Allow() {
		return
	}
	if err := g.sessions.Touch(ctx, id); err != nil {
		g.logger.Debug("gateway: touch", "session_id", id, "error", err)
	}
}

func (g *Gateway) acquire(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sl, ok := g.limiters[id]
	if !ok {
		sl = &sessionLimiter{lim: rate.NewLimiter(rate.Every(g.throttle), 1)}
		g.limiters[id] = sl
	}
	sl.conns++
}

func (g *Gateway) release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sl, ok := g.limiters[id]
	if !ok {
		return
	}
	if sl.conns--; sl.conns <= 0 {
		delete(g.limiters, id)
	}
}
