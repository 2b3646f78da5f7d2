package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"planner/internal/config"
	"planner/internal/conflict"
	"planner/internal/database"
	"planner/internal/domain"
	"planner/internal/emergency"
	"planner/internal/logging"
	"planner/internal/models"
	"planner/internal/worker"

	"github.com/rs/zerolog"
)

// Syncer is the mutation queue side of the control API.
type Syncer interface {
	Enqueue(ctx context.Context, typ models.MutationType, resource string, payload any) (*models.QueuedMutation, error)
	Sync(ctx context.Context) worker.Result
	Status(ctx context.Context) (worker.Status, error)
	FailedMutations(ctx context.Context) ([]models.QueuedMutation, error)
	RetryFailed(ctx context.Context, id string) error
	NotifyOnline()
	NotifyVisible()
}

type EmergencySaver interface {
	Save(ctx context.Context, userID, pageType string, data any, source models.EmergencySource, pageID string) (emergency.Report, error)
	Check(ctx context.Context, pageType, pageID string) (*models.EmergencyRecord, error)
	Clear(ctx context.Context, pageType, pageID string) error
}

// Services are the components the control API fronts.
type Services struct {
	Sync      Syncer
	Emergency EmergencySaver
	Store     domain.LocalStore
}

// HTTPServer is the local control API the UI process talks to.
type HTTPServer struct {
	cfg       config.APIConfig
	sync      Syncer
	emergency EmergencySaver
	store     domain.LocalStore
	server    *http.Server
	auth      *HTTPAuth
	logger    *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:       cfg,
		sync:      svc.Sync,
		emergency: svc.Emergency,
		store:     svc.Store,
		auth:      NewHTTPAuth(cfg),
		logger:    logging.Component(logger, "http-api"),
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/mutations", srv.handleEnqueue)
	api.HandleFunc("GET /api/v1/mutations/failed", srv.handleFailed)
	api.HandleFunc("POST /api/v1/mutations/{id}/retry", srv.handleRetry)
	api.HandleFunc("POST /api/v1/sync", srv.handleSync)
	api.HandleFunc("GET /api/v1/status", srv.handleStatus)
	api.HandleFunc("POST /api/v1/signals/online", srv.handleOnline)
	api.HandleFunc("POST /api/v1/signals/visible", srv.handleVisible)
	api.HandleFunc("POST /api/v1/emergency", srv.handleEmergencySave)
	api.HandleFunc("GET /api/v1/emergency/{pageType}", srv.handleEmergencyCheck)
	api.HandleFunc("DELETE /api/v1/emergency/{pageType}", srv.handleEmergencyClear)
	api.HandleFunc("POST /api/v1/conflicts/resolve", srv.handleResolve)
	srv.registerStoreRoutes(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/api/", srv.auth.Wrap(api))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

// Handler exposes the routed handler, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("control API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type enqueueRequest struct {
	Type     models.MutationType `json:"type"`
	Resource string              `json:"resource"`
	Payload  json.RawMessage     `json:"payload"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if !body.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be create, update or delete")
		return
	}
	if body.Resource == "" {
		writeError(w, http.StatusBadRequest, "resource is required")
		return
	}

	m, err := s.sync.Enqueue(r.Context(), body.Type, body.Resource, body.Payload)
	if err != nil {
		s.logger.Error().Err(err).Str("resource", body.Resource).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue mutation")
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (s *HTTPServer) handleFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.sync.FailedMutations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list mutations")
		return
	}
	if failed == nil {
		failed = []models.QueuedMutation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mutations": failed})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.sync.RetryFailed(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "no failed mutation with that id")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to requeue mutation")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusPending)})
	}
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Sync(r.Context()))
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sync.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) handleOnline(w http.ResponseWriter, r *http.Request) {
	s.sync.NotifyOnline()
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleVisible(w http.ResponseWriter, r *http.Request) {
	s.sync.NotifyVisible()
	w.WriteHeader(http.StatusAccepted)
}

type emergencyRequest struct {
	UserID   string                 `json:"userId"`
	PageType string                 `json:"pageType"`
	PageID   string                 `json:"pageId"`
	Data     json.RawMessage        `json:"data"`
	Source   models.EmergencySource `json:"source"`
}

type channelResult struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Pending bool   `json:"pending,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *HTTPServer) handleEmergencySave(w http.ResponseWriter, r *http.Request) {
	var body emergencyRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" || body.PageType == "" {
		writeError(w, http.StatusBadRequest, "userId and pageType are required")
		return
	}
	if body.Source == "" {
		body.Source = models.SourceBeforeUnload
	}
	if !body.Source.Valid() {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}

	report, err := s.emergency.Save(r.Context(), body.UserID, body.PageType, body.Data, body.Source, body.PageID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	channels := make([]channelResult, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		res := channelResult{Channel: o.Channel, OK: o.OK(), Pending: o.Pending}
		if o.Err != nil {
			res.Error = o.Err.Error()
		}
		channels = append(channels, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":           report.Record.Key(),
		"saved":         report.Saved(),
		"beacon_queued": report.BeaconQueued,
		"channels":      channels,
	})
}

func (s *HTTPServer) handleEmergencyCheck(w http.ResponseWriter, r *http.Request) {
	rec, err := s.emergency.Check(r.Context(), r.PathValue("pageType"), r.URL.Query().Get("page_id"))
	if err != nil {
		s.logger.Error().Err(err).Msg("emergency check failed")
		writeError(w, http.StatusInternalServerError, "failed to read emergency save")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no emergency save")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handleEmergencyClear(w http.ResponseWriter, r *http.Request) {
	if err := s.emergency.Clear(r.Context(), r.PathValue("pageType"), r.URL.Query().Get("page_id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear emergency save")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// emergencyRef names a recovered emergency save to use as the local side.
type emergencyRef struct {
	PageType string `json:"pageType"`
	PageID   string `json:"pageId"`
}

type resolveRequest struct {
	Local         conflict.Snapshot        `json:"local"`
	Remote        conflict.Snapshot        `json:"remote"`
	Mode          conflict.Mode            `json:"mode"`
	Choices       map[string]conflict.Side `json:"choices"`
	FromEmergency *emergencyRef            `json:"from_emergency"`
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Mode == "" {
		body.Mode = conflict.AutoMerge
	}

	c := conflict.Case{Local: body.Local, Remote: body.Remote}
	if ref := body.FromEmergency; ref != nil {
		var ok bool
		if c, ok = s.emergencyCase(w, r, ref, body.Remote); !ok {
			return
		}
	}
	merged, err := c.Resolve(body.Mode, body.Choices)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"newest": c.Newest(),
		"diff":   c.Diff(),
		"merged": merged,
	})
}

func (s *HTTPServer) emergencyCase(w http.ResponseWriter, r *http.Request, ref *emergencyRef, remote conflict.Snapshot) (conflict.Case, bool) {
	if ref.PageType == "" {
		writeError(w, http.StatusBadRequest, "from_emergency.pageType is required")
		return conflict.Case{}, false
	}
	rec, err := s.emergency.Check(r.Context(), ref.PageType, ref.PageID)
	if err != nil {
		s.logger.Error().Err(err).Str("page_type", ref.PageType).Msg("emergency lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to read emergency save")
		return conflict.Case{}, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no emergency save for page")
		return conflict.Case{}, false
	}
	raw, err := json.Marshal(remote.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid remote data")
		return conflict.Case{}, false
	}
	c, err := conflict.FromEmergency(rec, raw, remote.Timestamp)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return conflict.Case{}, false
	}
	return c, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
