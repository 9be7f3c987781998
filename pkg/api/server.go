package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/cost"
	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/health"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/templates"
	"github.com/aima-platform/corral/pkg/types"
)

// Stable error codes returned in response bodies. Clients branch on these,
// never on message text.
const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeNotFound       = "not_found"
	codeConflict       = "conflict"
	codeQuotaExceeded  = "quota_exceeded"
	codeRateLimited    = "rate_limited"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal"
)

// Server is the HTTP/JSON control surface
type Server struct {
	store    storage.Store
	catalog  *templates.Catalog
	engine   *cost.Engine
	registry *providers.Registry
	prober   *health.Prober
	broker   *events.Broker
	cfg      *config.Snapshot
	logger   zerolog.Logger

	auth     *authenticator
	limiters *limiterPool

	httpSrv  *http.Server
	listener net.Listener
}

// New builds the server and its routes. Fails if the auth public key
// cannot be loaded.
func New(store storage.Store, catalog *templates.Catalog, engine *cost.Engine, registry *providers.Registry, prober *health.Prober, broker *events.Broker, cfg *config.Snapshot) (*Server, error) {
	auth, err := newAuthenticator(cfg.Get().Auth)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:    store,
		catalog:  catalog,
		engine:   engine,
		registry: registry,
		prober:   prober,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("api"),
		auth:     auth,
		limiters: newLimiterPool(cfg),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.protected(s.handleJobs))
	mux.HandleFunc("/jobs/", s.protected(s.handleJobByID))
	mux.HandleFunc("/instances", s.protected(s.handleInstances))
	mux.HandleFunc("/instances/", s.protected(s.handleInstanceByID))
	mux.HandleFunc("/providers", s.protected(s.handleProviders))
	mux.HandleFunc("/providers/", s.protected(s.handleProviderStatus))
	mux.HandleFunc("/health", s.observe(s.healthHandler))
	mux.HandleFunc("/ready", s.observe(s.readyHandler))
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:         cfg.Get().Listen.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.listener = listener
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("API listening")
	return nil
}

// Addr returns the bound address, useful when the configured port is 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpSrv.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.logger.Info().Msg("API stopped")
	return err
}

// --- Jobs ---

// submitRequest is the job submission schema. Owner never appears here; it
// comes from the verified token.
type submitRequest struct {
	Kind           string                `json:"kind"`
	Priority       string                `json:"priority"`
	Resources      types.ResourceProfile `json:"resources"`
	Image          string                `json:"image"`
	Env            map[string]string     `json:"env"`
	Inputs         []string              `json:"inputs"`
	Deadline       *time.Time            `json:"deadline"`
	MaxRetries     *int                  `json:"max_retries"`
	CostCeiling    int64                 `json:"cost_ceiling_cents"`
	IdempotencyKey string                `json:"idempotency_key"`
}

type jobList struct {
	Jobs       []*types.Job `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type jobDetail struct {
	Job         *types.Job          `json:"job"`
	Assignments []*types.Assignment `json:"assignments,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	// Admission control: a backlog past the watermark means accepting more
	// work only lengthens the queue nobody is draining.
	watermark := s.cfg.Get().RateLimit.QueueWatermark
	if watermark > 0 {
		depth, err := s.store.CountJobsInStates(types.JobStateQueued)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if depth >= watermark {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "job queue is full, retry later")
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed request body: "+err.Error())
		return
	}
	job, err := s.buildJob(p.owner, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	job.EstimateCents = s.engine.EstimateSubmission(job)

	out, created, err := s.store.SubmitJob(job, s.cfg.Get().OwnerCeiling(p.owner))
	if err != nil {
		s.storeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		w.Header().Set("Location", "/jobs/"+out.ID)
		s.logger.Info().
			Str("job_id", out.ID).
			Str("owner", out.Owner).
			Str("kind", string(out.Kind)).
			Int64("estimate_cents", out.EstimateCents).
			Msg("Job submitted")
	}
	writeJSON(w, status, out)
}

func (s *Server) buildJob(owner string, req *submitRequest) (*types.Job, error) {
	if req.Kind == "" {
		return nil, errors.New("kind is required")
	}
	if req.Image == "" {
		return nil, errors.New("image is required")
	}
	priority, ok := parsePriority(req.Priority)
	if !ok {
		return nil, fmt.Errorf("unknown priority %q", req.Priority)
	}
	if req.Resources.GPUCount < 0 || req.Resources.MemoryMB < 0 || req.Resources.DiskGB < 0 {
		return nil, errors.New("resource requests must not be negative")
	}
	if req.Deadline != nil && req.Deadline.Before(time.Now()) {
		return nil, errors.New("deadline is already in the past")
	}
	maxRetries := 3
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, errors.New("max_retries must not be negative")
		}
		maxRetries = *req.MaxRetries
	}
	if req.CostCeiling < 0 {
		return nil, errors.New("cost_ceiling_cents must not be negative")
	}

	job := &types.Job{
		Owner:          owner,
		Kind:           types.JobKind(req.Kind),
		Priority:       priority,
		Resources:      req.Resources,
		Image:          req.Image,
		Env:            req.Env,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		Deadline:       req.Deadline,
		MaxRetries:     maxRetries,
		CostCeiling:    req.CostCeiling,
	}
	if err := s.catalog.CheckJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	q := r.URL.Query()

	owner := q.Get("owner")
	if owner == "" {
		owner = p.owner
	} else if owner != p.owner {
		writeError(w, http.StatusForbidden, codeForbidden, "cannot list another owner's jobs")
		return
	}

	var state types.JobState
	if raw := q.Get("state"); raw != "" {
		parsed, ok := parseJobState(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("unknown state %q", raw))
			return
		}
		state = parsed
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	jobs, cursor, err := s.store.ListJobs(storage.JobFilter{
		Owner:  owner,
		State:  state,
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobList{Jobs: jobs, NextCursor: cursor})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown path")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getJob(w, r, id)
	case http.MethodDelete:
		s.cancelJob(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	p := principalFrom(r.Context())
	job, err := s.store.GetJob(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if job.Owner != p.owner {
		writeError(w, http.StatusForbidden, codeForbidden, "job belongs to another owner")
		return
	}
	asgs, err := s.store.ListAssignmentsByJob(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	sort.Slice(asgs, func(i, j int) bool { return asgs[i].AssignedAt.Before(asgs[j].AssignedAt) })
	writeJSON(w, http.StatusOK, jobDetail{Job: job, Assignments: asgs})
}

// cancelJob requests cancellation. Jobs nothing is executing yet are
// cancelled directly; jobs with a live assignment get a cancel event for
// the dispatcher that owns them, and the response is 202 because the
// worker still gets a grace period to acknowledge.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	p := principalFrom(r.Context())
	job, err := s.store.GetJob(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if job.Owner != p.owner {
		writeError(w, http.StatusForbidden, codeForbidden, "job belongs to another owner")
		return
	}
	if job.State.Terminal() {
		writeError(w, http.StatusConflict, codeConflict, fmt.Sprintf("job already %s", job.State))
		return
	}

	if job.State == types.JobStateQueued {
		out, err := s.store.TransitionJob(id, types.JobStateQueued, types.JobStateCancelled, storage.TransitionDetails{
			Message: "cancelled by owner",
		})
		if err != nil {
			s.storeError(w, err)
			return
		}
		s.logger.Info().Str("job_id", id).Msg("Queued job cancelled")
		writeJSON(w, http.StatusOK, out)
		return
	}

	live, err := s.store.LiveAssignmentForJob(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if live == nil {
		out, err := s.store.TransitionJob(id, job.State, types.JobStateCancelled, storage.TransitionDetails{
			Message: "cancelled by owner",
		})
		if err != nil {
			s.storeError(w, err)
			return
		}
		s.logger.Info().Str("job_id", id).Str("from", string(job.State)).Msg("Unassigned job cancelled")
		writeJSON(w, http.StatusOK, out)
		return
	}

	s.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventJobCancelRequested,
		Message: fmt.Sprintf("cancellation requested for job %s", id),
		Metadata: map[string]string{
			events.MetaJobID: id,
			events.MetaOwner: p.owner,
		},
	})
	s.logger.Info().Str("job_id", id).Str("assignment_id", live.ID).Msg("Cancel requested")
	writeJSON(w, http.StatusAccepted, job)
}

// --- Instances ---

type instanceList struct {
	Instances []*types.Instance `json:"instances"`
}

type instanceDetail struct {
	Instance *types.Instance      `json:"instance"`
	Ledger   []*types.LedgerEntry `json:"ledger,omitempty"`
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	q := r.URL.Query()
	filter := storage.InstanceFilter{Provider: q.Get("provider")}
	if raw := q.Get("state"); raw != "" {
		parsed, ok := parseInstanceState(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("unknown state %q", raw))
			return
		}
		filter.States = []types.InstanceState{parsed}
	}
	instances, err := s.store.ListInstances(filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceList{Instances: instances})
}

func (s *Server) handleInstanceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/instances/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown path")
		return
	}
	inst, err := s.store.GetInstance(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	ledger, err := s.store.ListLedger(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceDetail{Instance: inst, Ledger: ledger})
}

// --- Providers ---

type providerList struct {
	Providers []types.ProviderSnapshot `json:"providers"`
}

type probeStatus struct {
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastChecked          time.Time `json:"last_checked"`
	LastLatencyMS        int64     `json:"last_latency_ms"`
	LastError            string    `json:"last_error,omitempty"`
}

type providerStatus struct {
	Provider types.ProviderSnapshot `json:"provider"`
	Probe    *probeStatus           `json:"probe,omitempty"`
}

func (s *Server) providerSnapshots(w http.ResponseWriter) ([]types.ProviderSnapshot, bool) {
	snaps := s.registry.Snapshot()
	for i := range snaps {
		held, err := s.store.CountInstances(snaps[i].Tag, true)
		if err != nil {
			s.storeError(w, err)
			return nil, false
		}
		snaps[i].HeldInstances = held
	}
	return snaps, true
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	snaps, ok := s.providerSnapshots(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, providerList{Providers: snaps})
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/providers/")
	tag, op, found := strings.Cut(rest, "/")
	if !found || op != "status" || tag == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown path")
		return
	}

	snaps, ok := s.providerSnapshots(w)
	if !ok {
		return
	}
	for _, snap := range snaps {
		if snap.Tag != tag {
			continue
		}
		out := providerStatus{Provider: snap}
		if s.prober != nil {
			if st, probed := s.prober.Status(tag); probed {
				out.Probe = &probeStatus{
					Healthy:              st.Healthy,
					ConsecutiveFailures:  st.ConsecutiveFailures,
					ConsecutiveSuccesses: st.ConsecutiveSuccesses,
					LastChecked:          st.LastChecked,
					LastLatencyMS:        st.LastLatency.Milliseconds(),
					LastError:            st.LastError,
				}
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeError(w, http.StatusNotFound, codeNotFound, fmt.Sprintf("unknown provider %q", tag))
}

// --- Helpers ---

func parsePriority(raw string) (types.Priority, bool) {
	switch types.Priority(raw) {
	case "":
		return types.PriorityNormal, true
	case types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityUrgent:
		return types.Priority(raw), true
	}
	return "", false
}

func parseJobState(raw string) (types.JobState, bool) {
	switch types.JobState(raw) {
	case types.JobStateQueued, types.JobStatePending, types.JobStateRunning,
		types.JobStateCompleted, types.JobStateFailed, types.JobStateCancelled, types.JobStateTimedOut:
		return types.JobState(raw), true
	}
	return "", false
}

func parseInstanceState(raw string) (types.InstanceState, bool) {
	switch types.InstanceState(raw) {
	case types.InstanceStateRequested, types.InstanceStateStarting, types.InstanceStateRunning,
		types.InstanceStateDraining, types.InstanceStateStopped, types.InstanceStateError:
		return types.InstanceState(raw), true
	}
	return "", false
}

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

// storeError translates storage sentinels into the stable wire codes
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "no such resource")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, "state moved, re-read and retry")
	case errors.Is(err, storage.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, codeQuotaExceeded, "owner cost ceiling exceeded")
	case errors.Is(err, storage.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "storage unavailable, retry with backoff")
	default:
		s.logger.Error().Err(err).Msg("Unclassified storage error")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
