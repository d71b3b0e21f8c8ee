// Package remote exposes the captcha registry to human operators over HTTP.
//
// API Endpoints:
//
//	POST   /session          - opens an operator session
//	DELETE /session          - closes it (?session=)
//	GET    /captcha/next     - next task an operator can answer (?session=)
//	GET    /captcha          - task by id (?id=)
//	POST   /captcha/result   - submits an answer
//	GET    /stats            - registry counters, plus mirror counters when mirrored
//	GET    /mirror/pending   - mirrored waiting tasks, earliest deadline first (?limit=)
//	GET    /mirror/task      - mirrored snapshot and recorded answer (?id=)
//
// Answer Format:
//
//	{
//	  "session": "<session id>",
//	  "id": "12",
//	  "result": "x7kq"
//	}
//
// Positional answers use "x,y".
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const defaultPendingLimit = 50

// Limiter throttles answer submissions per session.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, burst int) (bool, error)
}

// MirrorReader reads back the Redis mirror of the registry.
// Missing entries are reported as redis.Nil.
type MirrorReader interface {
	Stats(ctx context.Context) map[string]int64
	Pending(ctx context.Context, limit int64) ([]captcha.Snapshot, error)
	Get(ctx context.Context, id string) (*captcha.Snapshot, error)
	Answer(ctx context.Context, id string) (string, error)
}

type Options struct {
	// APIKey enables X-API-Key authentication when non-empty.
	APIKey      string
	AnswerRate  int
	AnswerBurst int
	// Limiter is optional; without it answers are not throttled.
	Limiter Limiter
	// Mirror is optional; without it the /mirror routes are not mounted.
	Mirror MirrorReader
}

type Server struct {
	manager  *captcha.Manager
	sessions *Sessions
	opts     Options
}

func NewServer(manager *captcha.Manager, sessions *Sessions, opts Options) *Server {
	return &Server{manager: manager, sessions: sessions, opts: opts}
}

// taskView is what an operator sees of a task.
type taskView struct {
	ID         string             `json:"id"`
	Image      []byte             `json:"image"`
	Format     string             `json:"format"`
	ResultType captcha.ResultType `json:"result_type"`
	Status     captcha.Status     `json:"status"`
	Waiting    bool               `json:"waiting"`
	WaitUntil  time.Time          `json:"wait_until"`
}

func viewOf(task *captcha.Task) taskView {
	img, format, rt := task.Captcha()
	return taskView{
		ID:         task.ID(),
		Image:      img,
		Format:     format,
		ResultType: rt,
		Status:     task.Status(),
		Waiting:    task.IsWaiting(),
		WaitUntil:  task.WaitUntil(),
	}
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Preflight requests must not hit auth
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Register mounts the operator endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authMiddleware(h, s.opts.APIKey))
	}

	mux.HandleFunc("/session", wrap(s.handleSession))
	mux.HandleFunc("/captcha/next", wrap(s.handleNext))
	mux.HandleFunc("/captcha", wrap(s.handleTask))
	mux.HandleFunc("/captcha/result", wrap(s.handleResult))
	mux.HandleFunc("/stats", wrap(s.handleStats))
	if s.opts.Mirror != nil {
		mux.HandleFunc("/mirror/pending", wrap(s.handleMirrorPending))
		mux.HandleFunc("/mirror/task", wrap(s.handleMirrorTask))
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		id := s.sessions.Open()
		logger.Log.Info().Str("session", id).Msg("Operator connected")
		writeJSON(w, http.StatusCreated, map[string]string{"session": id})
	case http.MethodDelete:
		id := r.URL.Query().Get("session")
		s.sessions.Close(id)
		logger.Log.Info().Str("session", id).Msg("Operator disconnected")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sessions.Touch(r.URL.Query().Get("session")); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	task := s.manager.GetTask()
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}
	task := s.manager.GetTaskByID(id)
	if task == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Session string `json:"session"`
		ID      string `json:"id"`
		Result  string `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sessions.Touch(req.Session); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	if s.opts.Limiter != nil {
		allowed, err := s.opts.Limiter.Allow(r.Context(), "ratelimit:answer:"+req.Session, s.opts.AnswerRate, s.opts.AnswerBurst)
		if err != nil {
			// fail open, a broken limiter must not block answers
			logger.Log.Error().Err(err).Str("session", req.Session).Msg("Rate limit check failed")
		} else if !allowed {
			http.Error(w, "Too many answers", http.StatusTooManyRequests)
			return
		}
	}

	task := s.manager.GetTaskByID(req.ID)
	if task == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	switch err := task.Answer(req.Result); {
	case errors.Is(err, captcha.ErrNotWaiting):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, captcha.ErrMalformedAnswer):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Log.Info().Str("task_id", task.ID()).Str("session", req.Session).Msg("Captcha answered")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]int64{
		"registered": 0,
		"waiting":    0,
		"clients":    int64(s.sessions.Count()),
	}
	for _, task := range s.manager.Tasks() {
		stats["registered"]++
		if task.IsWaiting() {
			stats["waiting"]++
		}
	}
	if s.opts.Mirror != nil {
		for k, v := range s.opts.Mirror.Stats(r.Context()) {
			stats[k] = v
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMirrorPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := int64(defaultPendingLimit)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	snaps, err := s.opts.Mirror.Pending(r.Context(), limit)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to read pending mirror")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []captcha.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleMirrorTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}
	snap, err := s.opts.Mirror.Get(r.Context(), id)
	if errors.Is(err, redis.Nil) {
		http.Error(w, "Task not mirrored", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := struct {
		captcha.Snapshot
		Answer json.RawMessage `json:"answer,omitempty"`
	}{Snapshot: *snap}
	raw, err := s.opts.Mirror.Answer(r.Context(), id)
	switch {
	case err == nil:
		resp.Answer = json.RawMessage(raw)
	case !errors.Is(err, redis.Nil):
		logger.Log.Warn().Err(err).Str("task_id", id).Msg("Failed to read recorded answer")
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to write response")
	}
}
