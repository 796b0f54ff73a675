// Package gateway serves realtime channels to websocket clients. Each
// accepted connection mounts its own channel binding for the requested room
// and participant; closing the socket releases the binding, so the
// acquire/release pairing follows the connection lifetime exactly.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/binding"
	"github.com/go-go-golems/cricket/pkg/realtime"
)

// Dialer opens one realtime session per websocket connection, bound to the
// connecting participant's identity.
type Dialer func(ctx context.Context, participantID string) (realtime.Client, error)

type Config struct {
	Dial Dialer
}

type Gateway struct {
	dial     Dialer
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Dial == nil {
		return nil, errors.New("gateway dialer is nil")
	}
	return &Gateway{
		dial: cfg.Dial,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With().Str("component", "gateway").Logger(),
		pools:  map[string]*Pool{},
	}, nil
}

// Handler serves websocket attachments at its mount point. Query parameters:
// room (required), participant (optional, generated when empty), presence
// (optional JSON payload; when present the binding enters presence with it).
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handleWS)
}

// Shutdown closes every tracked connection; the per-connection teardown then
// releases each binding.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	pools := make([]*Pool, 0, len(g.pools))
	for _, p := range g.pools {
		pools = append(pools, p)
	}
	g.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}

func (g *Gateway) pool(room string) *Pool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pools[room]
	if !ok {
		p = NewPool(room)
		g.pools[room] = p
	}
	return p
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	participant := strings.TrimSpace(r.URL.Query().Get("participant"))
	presenceParam := r.URL.Query().Get("presence")
	if presenceParam != "" && !json.Valid([]byte(presenceParam)) {
		http.Error(w, "presence is not valid JSON", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("room", room).Msg("websocket upgrade failed")
		return
	}

	wsLog := g.logger.With().
		Str("room", room).
		Str("participant", participant).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	client, err := g.dial(r.Context(), participant)
	if err != nil {
		wsLog.Warn().Err(err).Msg("realtime dial failed")
		g.closeWithError(conn, err)
		return
	}

	opts := []binding.Option{binding.WithLogger(wsLog)}
	if presenceParam != "" {
		opts = append(opts, binding.WithInitialPresence(json.RawMessage(presenceParam)))
	}
	b, err := binding.New(client, room, opts...)
	if err == nil {
		err = b.Acquire(r.Context())
	}
	if err != nil {
		wsLog.Warn().Err(err).Msg("binding acquire failed")
		_ = client.Close()
		g.closeWithError(conn, err)
		return
	}

	pool := g.pool(room)
	pool.Add(conn)
	wsLog.Info().Msg("ws attached")

	wc := &wsConn{conn: conn}
	connCtx, cancel := context.WithCancel(context.Background())

	go g.writeLoop(connCtx, wc, b, wsLog)
	go func() {
		defer func() {
			cancel()
			b.Release()
			if err := client.Close(); err != nil {
				wsLog.Debug().Err(err).Msg("client close failed")
			}
			pool.Remove(conn)
			wsLog.Info().Msg("ws detached")
		}()
		g.readLoop(connCtx, wc, b, wsLog)
	}()
}

// writeLoop pushes the visible state to the socket: every binding update
// signal flushes new messages since the last send plus a fresh presence
// snapshot frame.
func (g *Gateway) writeLoop(ctx context.Context, wc *wsConn, b *binding.Binding, wsLog zerolog.Logger) {
	flush := func(sent int) int {
		msgs := b.Messages()
		for ; sent < len(msgs); sent++ {
			m := msgs[sent]
			if err := wc.writeJSON(serverFrame{Type: frameMessage, Message: &m}); err != nil {
				wsLog.Debug().Err(err).Msg("ws write failed")
				return sent
			}
		}
		members := b.PresenceSet()
		if members == nil {
			members = []realtime.Member{}
		}
		if err := wc.writeJSON(serverFrame{Type: framePresence, Members: members}); err != nil {
			wsLog.Debug().Err(err).Msg("ws write failed")
		}
		return sent
	}

	sent := flush(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.Updates():
			sent = flush(sent)
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, wc *wsConn, b *binding.Binding, wsLog zerolog.Logger) {
	for {
		var frame clientFrame
		if err := wc.conn.ReadJSON(&frame); err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		switch frame.Action {
		case actionPublish:
			if err := b.Publish(ctx, frame.MsgType, frame.Payload); err != nil {
				g.sendError(wc, err, wsLog)
			}
		case actionPresence:
			if err := b.UpdatePresence(ctx, frame.Payload); err != nil {
				g.sendError(wc, err, wsLog)
			}
		default:
			g.sendError(wc, errors.Errorf("unknown action %q", frame.Action), wsLog)
		}
	}
}

func (g *Gateway) sendError(wc *wsConn, err error, wsLog zerolog.Logger) {
	if werr := wc.writeJSON(serverFrame{Type: frameError, Error: err.Error()}); werr != nil {
		wsLog.Debug().Err(werr).Msg("ws error frame write failed")
	}
}

func (g *Gateway) closeWithError(conn *websocket.Conn, err error) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// wsConn serializes writes; the write loop and error frames from the read
// loop share one socket.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}
