package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/felixgeelhaar/murmur/internal/coach"
	"github.com/felixgeelhaar/murmur/internal/runtime"
	"github.com/felixgeelhaar/murmur/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsConn adapts a websocket to runtime.Connection. Writes are serialized;
// gorilla connections support one concurrent writer.
type wsConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(ctx context.Context, text string) error {
	return c.write(ctx, websocket.TextMessage, []byte(text))
}

func (c *wsConn) write(ctx context.Context, kind int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(runtime.DefaultSendTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// handleWebsocket subscribes the caller to a room and feeds the frames it
// sends into turns.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.obs.Log().Debug().Str("room", ref.External).Err(err).Msg("websocket upgrade failed")
		return
	}
	limit := int64(maxBodyBytes)
	if n := s.guard.Policy().MaxInputBytes; n > 0 {
		limit = int64(n) + 1024
	}
	ws.SetReadLimit(limit)

	conn := newWSConn(ws)
	s.registry.Join(conn, ref.External)
	defer func() {
		s.registry.Leave(conn, ref.External)
		conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(conn, done)

	s.obs.Log().Info().Str("room", ref.External).Msg("client connected")
	s.readLoop(r.Context(), conn, ref)
	s.obs.Log().Info().Str("room", ref.External).Msg("client disconnected")
}

func (s *Server) keepAlive(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), runtime.DefaultSendTimeout)
			err := conn.write(ctx, websocket.PingMessage, nil)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn, ref runtime.RoomRef) {
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.obs.Log().Debug().Str("room", ref.External).Err(err).Msg("read failed")
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		content, err := s.parseFrame(data)
		if err != nil {
			s.reject(ctx, conn, ref, err.Error())
			continue
		}

		// The room may have been deleted or the session may have expired
		// since the socket was opened.
		current, err := s.streamer.Resolve(ctx, ref.Token, ref.External)
		if err != nil {
			_, _, msg := classify(err)
			s.reject(ctx, conn, ref, msg)
			if errors.Is(err, store.ErrSessionExpired) || errors.Is(err, store.ErrNotFound) {
				return
			}
			continue
		}

		s.turns.Add(1)
		go func() {
			defer s.turns.Done()
			s.dispatch(context.WithoutCancel(ctx), current, content)
		}()
	}
}

func (s *Server) parseFrame(data []byte) (string, error) {
	var frame coach.Frame
	if s.coach != nil {
		var res coach.ValidationResult
		frame, res = s.coach.ParseFrame(data)
		if err := res.Err(); err != nil {
			return "", err
		}
	} else if err := json.Unmarshal(data, &frame); err != nil {
		return "", errors.New("frame is not valid JSON")
	}
	if v := s.guard.CheckInput(frame.Content); v != nil {
		return "", v
	}
	return frame.Content, nil
}

// dispatch runs one turn for content. Without an agent the message is
// only recorded and broadcast.
func (s *Server) dispatch(ctx context.Context, ref runtime.RoomRef, content string) {
	if s.agent != nil {
		if err := s.agent.HandleMessage(ctx, ref, content); err != nil {
			s.obs.Log().Debug().Str("room", ref.External).Err(err).Msg("turn ended with error")
		}
		return
	}
	turn := s.streamer.TurnFor(ctx, ref)
	turn.SendText(store.AuthorUser, content)
	if err := turn.Close(ctx); err != nil {
		s.obs.Log().Warn().Str("room", ref.External).Err(err).Msg("close turn")
	}
}

// reject sends an error envelope to conn alone. Nothing is stored.
func (s *Server) reject(ctx context.Context, conn *wsConn, ref runtime.RoomRef, msg string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(runtime.Envelope{
		Type:      string(store.KindError),
		ID:        uuid.NewString(),
		RoomID:    ref.External,
		Author:    store.AuthorAgent,
		Content:   msg,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, runtime.DefaultSendTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, string(b)); err != nil {
		s.obs.Log().Debug().Str("room", ref.External).Err(err).Msg("send rejection")
	}
}
