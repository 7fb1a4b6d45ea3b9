package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/domain"
	"model-rollout-core/internal/app/strategy"
)

// Rollouts is the operator surface of the rollout manager.
type Rollouts interface {
	Start(ctx context.Context, req domain.RolloutRequest) (domain.RolloutState, error)
	Get(ctx context.Context, id string) (domain.RolloutState, error)
	History(ctx context.Context, id string) ([]domain.RolloutState, error)
	List(ctx context.Context, service string) ([]domain.RolloutState, error)
	Confirm(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
	Abort(ctx context.Context, id string) (domain.RolloutState, error)
}

// Defaults fill the parts of a submitted plan that it leaves out.
type Defaults struct {
	Service     string
	Thresholds  domain.Thresholds
	LoadProfile domain.LoadProfile
}

type Server struct {
	rollouts Rollouts
	defaults Defaults
	mux      *http.ServeMux
}

// NewServer routes the operator API. metrics, when set, is served on
// /metrics.
func NewServer(rollouts Rollouts, defaults Defaults, metrics http.Handler) *Server {
	s := &Server{rollouts: rollouts, defaults: defaults, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /rollouts", s.handleStart)
	s.mux.HandleFunc("GET /rollouts", s.handleList)
	s.mux.HandleFunc("GET /rollouts/{id}", s.handleGet)
	s.mux.HandleFunc("GET /rollouts/{id}/history", s.handleHistory)
	s.mux.HandleFunc("POST /rollouts/{id}/confirm", s.handleConfirm)
	s.mux.HandleFunc("POST /rollouts/{id}/reject", s.handleReject)
	s.mux.HandleFunc("POST /rollouts/{id}/abort", s.handleAbort)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until ctx is done, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting operator API on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down the operator API...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// handleStart accepts a rollout plan in YAML or JSON.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}
	plan, err := strategy.ParsePlan(body)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := plan.Request(s.defaults.Service, s.defaults.Thresholds, s.defaults.LoadProfile)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := s.rollouts.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	states, err := s.rollouts.List(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		writeError(w, err)
		return
	}
	if states == nil {
		states = []domain.RolloutState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	state, err := s.rollouts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	states, err := s.rollouts.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.rollouts.Confirm)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.rollouts.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.rollouts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

// handleAbort returns once the rollout is Aborted.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	state, err := s.rollouts.Abort(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type errorBody struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyTerminal),
		errors.Is(err, domain.ErrRolloutInProgress),
		errors.Is(err, domain.ErrNotAwaitingConfirmation),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument),
		domain.KindOf(err) == domain.KindConfiguration:
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Errorf("operator API: %v", err)
	}
	body := errorBody{Error: err.Error()}
	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		body.Kind = kind
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("failed to write response: %v", err)
	}
}
