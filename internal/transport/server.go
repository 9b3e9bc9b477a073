// Package transport exposes sessions, rooms and their event streams over
// HTTP and websockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/felixgeelhaar/murmur/internal/agent"
	"github.com/felixgeelhaar/murmur/internal/coach"
	"github.com/felixgeelhaar/murmur/internal/guard"
	"github.com/felixgeelhaar/murmur/internal/identity"
	"github.com/felixgeelhaar/murmur/internal/observe"
	"github.com/felixgeelhaar/murmur/internal/runtime"
	"github.com/felixgeelhaar/murmur/internal/store"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// TokenHeader carries the session token on every request.
const TokenHeader = "X-Session-Token"

const maxBodyBytes = 64 * 1024

// Config bundles the collaborators of a Server. Agent may be nil, in which
// case user messages are only recorded and broadcast.
type Config struct {
	Store    *store.Store
	Streamer *runtime.Streamer
	Registry *runtime.Registry
	Agent    *agent.Agent
	Coach    *coach.Coach
	Guard    *guard.Guard
	Observer *observe.Observer
}

// Server is the HTTP surface of murmur.
type Server struct {
	store    *store.Store
	streamer *runtime.Streamer
	registry *runtime.Registry
	agent    *agent.Agent
	coach    *coach.Coach
	guard    *guard.Guard
	obs      *observe.Observer
	upgrader websocket.Upgrader

	turns sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Guard == nil {
		cfg.Guard = guard.New(guard.DefaultPolicy)
	}
	s := &Server{
		store:    cfg.Store,
		streamer: cfg.Streamer,
		registry: cfg.Registry,
		agent:    cfg.Agent,
		coach:    cfg.Coach,
		guard:    cfg.Guard,
		obs:      cfg.Observer,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.guard.CheckOrigin(r.Header.Get("Origin")) == nil
		},
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/sessions", s.traced("session.create", s.handleCreateSession))
	mux.HandleFunc("GET /api/session", s.traced("session.info", s.handleSessionInfo))
	mux.HandleFunc("DELETE /api/session", s.traced("session.delete", s.handleDeleteSession))

	mux.HandleFunc("POST /api/rooms", s.traced("room.create", s.handleCreateRoom))
	mux.HandleFunc("GET /api/rooms", s.traced("room.list", s.handleListRooms))
	mux.HandleFunc("GET /api/rooms/{id}", s.traced("room.get", s.handleGetRoom))
	mux.HandleFunc("PATCH /api/rooms/{id}", s.traced("room.rename", s.handleRenameRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.traced("room.delete", s.handleDeleteRoom))
	mux.HandleFunc("GET /api/rooms/{id}/events", s.traced("room.events", s.handleListEvents))
	mux.HandleFunc("GET /api/rooms/{id}/ws", s.handleWebsocket)

	mux.HandleFunc("GET /api/screenshots/{id}", s.traced("screenshot.get", s.handleGetScreenshot))

	return mux
}

// Run serves on addr until ctx is done, then shuts down and waits for
// running turns to drain.
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.obs.Log().Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(ctxShutdown)
	s.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Wait blocks until every turn started by a websocket message is done.
func (s *Server) Wait() {
	s.turns.Wait()
}

// traced wraps h in a span named after the route.
func (s *Server) traced(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.obs.StartSpan(r.Context(), "http."+name,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.Pattern),
		)
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

func tokenFrom(r *http.Request) (string, error) {
	if tok := r.Header.Get(TokenHeader); tok != "" {
		return tok, nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", &apiError{status: http.StatusUnauthorized, code: CodeMissingToken, msg: "Session token is required."}
}

// resolve maps the {id} path value onto the caller's room.
func (s *Server) resolve(r *http.Request) (runtime.RoomRef, error) {
	token, err := tokenFrom(r)
	if err != nil {
		return runtime.RoomRef{}, err
	}
	return s.streamer.Resolve(r.Context(), token, r.PathValue("id"))
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return badRequest("Could not read request body.")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("Request body is not valid JSON.")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer.")
	}
	return n, nil
}

// roomView is a room as clients see it, under its external id.
type roomView struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	MessageCount           int        `json:"message_count"`
	LatestMessageContent   string     `json:"latest_message_content,omitempty"`
	LatestMessageTimestamp *time.Time `json:"latest_message_timestamp,omitempty"`
}

func viewRoom(r store.Room) roomView {
	v := roomView{
		ID:                   identity.External(r.ID),
		Name:                 r.Name,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		MessageCount:         r.MessageCount,
		LatestMessageContent: r.LatestMessageContent,
	}
	if !r.LatestMessageTimestamp.IsZero() {
		ts := r.LatestMessageTimestamp
		v.LatestMessageTimestamp = &ts
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_rooms": s.registry.Rooms(),
		"active_turns": len(s.streamer.State().Active()),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Sessions.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.store.Sessions.Info(r.Context(), sess.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "Session created", info)
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.store.Sessions.Info(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "", info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.Sessions.Get(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Sessions.Delete(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Session deleted", nil)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	room, err := s.store.Rooms.CreateRoom(r.Context(), token, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "Room created", viewRoom(room))
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, badRequest("before must be an RFC 3339 timestamp."))
			return
		}
	}

	page, err := s.store.Rooms.PageRooms(r.Context(), token, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]roomView, 0, len(page.Rooms))
	for _, room := range page.Rooms {
		views = append(views, viewRoom(room))
	}
	writeOK(w, http.StatusOK, "", map[string]any{
		"chats":       views,
		"has_more":    page.HasMore,
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	room, err := s.store.Rooms.GetRoom(r.Context(), ref.Token, ref.Internal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "", viewRoom(room))
}

func (s *Server) handleRenameRoom(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, badRequest("name is required."))
		return
	}

	room, err := s.store.Rooms.RenameRoom(r.Context(), ref.Token, ref.Internal, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.streamer.BroadcastNotice(r.Context(), ref.External, runtime.Notice{
		Type: "chat_title_updated",
		Data: map[string]any{
			"room_id":    ref.External,
			"title":      room.Name,
			"updated_at": room.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		s.obs.Log().Warn().Str("room", ref.External).Err(err).Msg("failed to broadcast rename")
	}
	writeOK(w, http.StatusOK, "Room renamed", viewRoom(room))
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Rooms.DeleteRoom(r.Context(), ref.Token, ref.Internal); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Room deleted", nil)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.store.Events.List(r.Context(), ref.Token, ref.Internal, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]runtime.Envelope, 0, len(events))
	for _, ev := range events {
		out = append(out, runtime.NewEnvelope(ev, ref.External))
	}
	writeOK(w, http.StatusOK, "", map[string]any{
		"events": out,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	shot, err := s.store.Screenshots.Get(r.Context(), token, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", shot.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(shot.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(shot.Data)
}
