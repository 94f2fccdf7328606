package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"stateroom/cache"
	"stateroom/config"
	"stateroom/engine"
	"stateroom/models"
	"stateroom/op"
	"stateroom/presence"
	"stateroom/timetravel"
	"stateroom/transform"
)

//go:embed migrations/*.sql
var migrations embed.FS

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// In production, use a stricter policy
		return true
	},
}

type server struct {
	eng *engine.Engine
	bc  *cache.Broadcaster
	log *slog.Logger
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg.Logger = logger

	store, err := models.Open(cfg.DatabaseURL, migrations, logger)
	if err != nil {
		log.Fatal("Failed to connect to DB:", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	bc := cache.NewBroadcaster(rdb, logger)
	cc := cache.NewResultCache(rdb, cfg.CacheTTL, logger)

	eng := engine.New(cfg, store, cc, bc)
	eng.Start(context.Background())
	defer eng.Close()

	s := &server{eng: eng, bc: bc, log: logger}

	r := mux.NewRouter()
	r.HandleFunc("/rooms", s.createRoomHandler).Methods("POST")
	r.HandleFunc("/rooms/{roomID}/snapshots", s.createSnapshotHandler).Methods("POST")
	r.HandleFunc("/rooms/{roomID}/timeline", s.timelineHandler).Methods("GET")
	r.HandleFunc("/rooms/{roomID}/branches", s.createBranchHandler).Methods("POST")
	r.HandleFunc("/rooms/{roomID}/branches", s.listBranchesHandler).Methods("GET")
	r.HandleFunc("/rooms/{roomID}/merge", s.mergeHandler).Methods("POST")
	r.HandleFunc("/rooms/{roomID}/revert", s.revertHandler).Methods("POST")
	r.HandleFunc("/rooms/{roomID}/compare", s.compareHandler).Methods("GET")
	r.HandleFunc("/rooms/{roomID}/presences", s.listPresencesHandler).Methods("GET")
	r.HandleFunc("/ws/{roomID}", s.wsHandler).Methods("GET")

	logger.Info("server listening", "port", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, r))
}

func tenantOf(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *op.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, timetravel.ErrLimitExceeded), errors.Is(err, timetravel.ErrBranchExists):
		status = http.StatusConflict
	case errors.Is(err, timetravel.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, presence.ErrRoomFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) createRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID string `json:"roomId"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "roomId is required"})
		return
	}
	room, err := s.eng.EnsureRoom(r.Context(), tenantOf(r), req.RoomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *server) createSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	var req struct {
		Branch      string `json:"branch"`
		Description string `json:"description"`
		CreatedBy   string `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	snap, err := s.eng.CreateSnapshot(r.Context(), tenantOf(r), roomID, req.Branch, req.Description, req.CreatedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		branch = "main"
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	snaps, err := s.eng.Timeline(r.Context(), tenantOf(r), roomID, branch, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *server) createBranchHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	var req struct {
		BaseSnapshotID string `json:"baseSnapshotId"`
		Name           string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	b, err := s.eng.CreateBranch(r.Context(), tenantOf(r), roomID, req.BaseSnapshotID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *server) listBranchesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	branches, err := s.eng.ListBranches(r.Context(), tenantOf(r), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (s *server) mergeHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	var req struct {
		Source   string `json:"source"`
		Target   string `json:"target"`
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" || req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source and target are required"})
		return
	}
	res, err := s.eng.MergeBranch(r.Context(), tenantOf(r), roomID, req.Source, req.Target, timetravel.MergeStrategy(req.Strategy))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Merged {
		status = http.StatusConflict
		s.log.Info("merge requires manual resolution", "room", roomID, "err", res.Err())
	}
	writeJSON(w, status, res)
}

func (s *server) revertHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	var req struct {
		Branch     string `json:"branch"`
		SnapshotID string `json:"snapshotId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SnapshotID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "snapshotId is required"})
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	snap, err := s.eng.RevertToSnapshot(r.Context(), tenantOf(r), roomID, req.Branch, req.SnapshotID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) compareHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	a := r.URL.Query().Get("a")
	b := r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query params a and b are required"})
		return
	}
	diff, err := s.eng.CompareBranches(r.Context(), tenantOf(r), roomID, a, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *server) listPresencesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	writeJSON(w, http.StatusOK, s.eng.ListPresences(roomID))
}

// wsFrame is what clients send over the socket.
type wsFrame struct {
	Kind     string             `json:"kind"` // op | presence | heartbeat
	Op       *op.Operation      `json:"op,omitempty"`
	Strategy transform.Strategy `json:"strategy,omitempty"`
	Cursor   *presence.Cursor   `json:"cursor,omitempty"`
	Viewport *presence.Viewport `json:"viewport,omitempty"`
}

// wsWriter owns the connection's write side. The websocket package allows a
// single concurrent writer, so the read loop and the broadcast relay enqueue
// frames here instead of writing the connection directly.
type wsWriter struct {
	ctx context.Context
	out chan []byte
}

func newWSWriter(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) *wsWriter {
	w := &wsWriter{ctx: ctx, out: make(chan []byte, 32)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-w.out:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	return w
}

func (w *wsWriter) sendRaw(msg []byte) {
	select {
	case w.out <- msg:
	case <-w.ctx.Done():
	}
}

func (w *wsWriter) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.sendRaw(b)
}

// wsHandler runs one client session: join presence, relay room events from
// the broadcaster, and submit incoming frames to the engine.
func (s *server) wsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	tenant := tenantOf(r)

	userID := r.URL.Query().Get("userID")
	if userID == "" {
		userID = "anon-" + r.RemoteAddr
	}
	sessionID := uuid.NewString()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.eng.JoinRoom(ctx, tenant, &presence.Presence{
		RoomID:    roomID,
		SessionID: sessionID,
		UserID:    userID,
	}); err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer s.eng.LeaveRoom(context.Background(), roomID, sessionID)

	events, unsubscribe := s.bc.Subscribe(ctx, roomID)
	defer unsubscribe()

	out := newWSWriter(ctx, cancel, conn)
	go func() {
		for msg := range events {
			out.sendRaw(msg)
		}
	}()

	out.send(map[string]any{
		"type":      "init",
		"roomId":    roomID,
		"sessionId": sessionID,
		"presence":  s.eng.ListPresences(roomID),
	})

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.log.Debug("websocket read ended", "room", roomID, "session", sessionID, "err", err)
			return
		}
		switch frame.Kind {
		case "op":
			if frame.Op == nil {
				out.send(map[string]string{"error": "op frame without operation"})
				continue
			}
			// The session context is authoritative for identity and room.
			frame.Op.RoomID = roomID
			frame.Op.Author = op.Author{ClientID: userID, SessionID: sessionID}
			if frame.Op.Branch == "" {
				frame.Op.Branch = "main"
			}
			result, err := s.eng.SubmitOperation(ctx, tenant, frame.Op, frame.Strategy)
			if err != nil {
				out.send(map[string]string{"error": err.Error()})
				continue
			}
			out.send(result)
		case "presence":
			if err := s.eng.UpdatePresence(ctx, roomID, sessionID, frame.Cursor, frame.Viewport); err != nil {
				out.send(map[string]string{"error": err.Error()})
			}
		case "heartbeat":
			if err := s.eng.SendHeartbeat(ctx, roomID, sessionID); err != nil {
				out.send(map[string]string{"error": err.Error()})
			}
		default:
			out.send(map[string]string{"error": "unknown frame kind"})
		}
	}
}
