package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/logger"
)

// Endpoints for download workers running outside the process:
//
//	POST   /challenge          - create and dispatch a task
//	GET    /challenge/answer   - block until the task resolves (?id=&wait=30s)
//	POST   /challenge/feedback - report whether the answer worked
//	DELETE /challenge          - dispose of the task (?id=)

const (
	maxAnswerWait  = 2 * time.Minute
	answerPollTick = 200 * time.Millisecond
)

func (s *Server) RegisterChallenges(mux *http.ServeMux, defaultTimeout time.Duration) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authMiddleware(h, s.opts.APIKey))
	}

	mux.HandleFunc("/challenge", wrap(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleCreate(w, r, defaultTimeout)
		case http.MethodDelete:
			s.handleDispose(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.HandleFunc("/challenge/answer", wrap(s.handleAnswer))
	mux.HandleFunc("/challenge/feedback", wrap(s.handleFeedback))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, defaultTimeout time.Duration) {
	var req struct {
		Image      []byte             `json:"image"`
		Format     string             `json:"format"`
		File       string             `json:"file"`
		ResultType captcha.ResultType `json:"result_type"`
		Timeout    int                `json:"timeout"` // seconds, optional
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.ResultType {
	case "", captcha.Textual, captcha.Positional:
	default:
		http.Error(w, "Unknown result type", http.StatusBadRequest)
		return
	}

	timeout := defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	task := s.manager.NewTask(req.Image, req.Format, req.File, req.ResultType)
	if !s.manager.HandleCaptcha(task, timeout) {
		logger.Log.Warn().Str("task_id", task.ID()).Str("file", req.File).Msg("Captcha rejected")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"id": task.ID(), "error": task.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": task.ID()})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task := s.manager.GetTaskByID(r.URL.Query().Get("id"))
	if task == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}

	wait := maxAnswerWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "Invalid wait", http.StatusBadRequest)
			return
		}
		wait = min(d, maxAnswerWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	res, err := captcha.Await(ctx, task, answerPollTick)
	var taskErr *captcha.TaskError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": task.ID(), "result": res})
	case errors.Is(err, context.Canceled):
		// the worker hung up, nobody reads the response
		logger.Log.Debug().Str("task_id", task.ID()).Msg("Answer wait abandoned")
	case errors.Is(err, context.DeadlineExceeded):
		// still waiting, the caller polls again
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, captcha.ErrTimedOut):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"id": task.ID(), "error": err.Error()})
	case errors.As(err, &taskErr):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"id": task.ID(), "error": taskErr.Message})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID      string `json:"id"`
		Correct bool   `json:"correct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task := s.manager.GetTaskByID(req.ID)
	if task == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if req.Correct {
		task.Correct()
	} else {
		task.Invalid()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request) {
	if task := s.manager.GetTaskByID(r.URL.Query().Get("id")); task != nil {
		s.manager.RemoveTask(task)
	}
	w.WriteHeader(http.StatusNoContent)
}
