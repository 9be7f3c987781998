package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/cost"
	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

const (
	// writeTimeout bounds a single control frame write.
	writeTimeout = 10 * time.Second

	// dialBackoffFloor and dialBackoffCap bound the redial cadence while a
	// worker's control endpoint is still coming up.
	dialBackoffFloor = 250 * time.Millisecond
	dialBackoffCap   = 5 * time.Second
)

// Dispatcher pushes bound jobs to their workers and follows them to a
// terminal state. Every live assignment is owned by exactly one handler
// goroutine, keyed by assignment id; that ownership is what keeps the row
// single-writer. Handlers are spawned from assignment.created events and
// from a periodic sweep of live assignment rows, which doubles as crash
// recovery: a restarted process re-adopts assignments the previous one was
// driving.
type Dispatcher struct {
	store  storage.Store
	broker *events.Broker
	cfg    *config.Snapshot
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string]*handler // by assignment id
	byJob    map[string]*handler // live handler per job, for cancel routing

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// handler drives one assignment. Fields past asg are populated by run.
type handler struct {
	d      *Dispatcher
	asg    *types.Assignment
	job    *types.Job
	inst   *types.Instance
	logger zerolog.Logger

	cancelCh chan struct{}

	// ending is set once a cancel or deadline stop is in flight; terminal
	// frames arriving afterwards resolve to this state instead of their own.
	ending types.JobState
}

// New creates a dispatcher. Call Start to begin adopting assignments.
func New(store storage.Store, broker *events.Broker, cfg *config.Snapshot) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("dispatch"),
		handlers: make(map[string]*handler),
		byJob:    make(map[string]*handler),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the event watcher and the adoption sweep.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.watchEvents()
	go d.run()
	d.logger.Info().Msg("Dispatcher started")
}

// Stop closes every control channel and returns once all handlers have
// exited. Live assignments are left in place for the next process to adopt.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	interval := d.cfg.Get().Scheduler.TickInterval.D()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.adopt()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.adopt()
		}
	}
}

// adopt spawns a handler for every live assignment nobody owns. On a fresh
// start this picks up rows a previous process persisted; in steady state it
// backstops events dropped by the lossy bus.
func (d *Dispatcher) adopt() {
	asgs, err := d.store.ListAssignmentsInStates(types.AssignmentStateAssigned, types.AssignmentStateRunning)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list live assignments")
		return
	}
	for _, asg := range asgs {
		d.spawn(asg)
	}
}

func (d *Dispatcher) watchEvents() {
	defer d.wg.Done()

	sub := d.broker.Subscribe()
	defer d.broker.Unsubscribe(sub)
	for {
		select {
		case <-d.stopCh:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventAssignmentCreated:
				d.adoptOne(ev.Metadata[events.MetaAssignmentID])
			case events.EventJobCancelRequested:
				d.routeCancel(ev.Metadata[events.MetaJobID])
			}
		}
	}
}

func (d *Dispatcher) adoptOne(id string) {
	if id == "" {
		return
	}
	asg, err := d.store.GetAssignment(id)
	if err != nil {
		d.logger.Error().Err(err).Str("assignment_id", id).Msg("Failed to load assignment")
		return
	}
	if !asg.State.Live() {
		return
	}
	d.spawn(asg)
}

func (d *Dispatcher) routeCancel(jobID string) {
	if jobID == "" {
		return
	}
	d.mu.Lock()
	h := d.byJob[jobID]
	d.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case h.cancelCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) spawn(asg *types.Assignment) {
	d.mu.Lock()
	if _, owned := d.handlers[asg.ID]; owned {
		d.mu.Unlock()
		return
	}
	h := &handler{d: d, asg: asg, cancelCh: make(chan struct{}, 1)}
	d.handlers[asg.ID] = h
	d.byJob[asg.JobID] = h
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(h)
		h.run()
	}()
}

func (d *Dispatcher) release(h *handler) {
	d.mu.Lock()
	delete(d.handlers, h.asg.ID)
	if d.byJob[h.asg.JobID] == h {
		delete(d.byJob, h.asg.JobID)
	}
	d.mu.Unlock()
}

// signalIdle wakes the scheduler and provisioner after a terminal outcome.
// Consumers re-read the store, so a signal for a drained instance is
// harmless.
func (d *Dispatcher) signalIdle(inst *types.Instance) {
	d.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventInstanceIdle,
		Message: fmt.Sprintf("instance %s idle", inst.ID),
		Metadata: map[string]string{
			events.MetaInstanceID: inst.ID,
			events.MetaProvider:   inst.Provider,
		},
	})
}

func (h *handler) run() {
	d := h.d

	job, err := d.store.GetJob(h.asg.JobID)
	if err != nil {
		d.logger.Error().Err(err).Str("assignment_id", h.asg.ID).Str("job_id", h.asg.JobID).Msg("Assignment references unknown job")
		_, _ = d.store.TransitionAssignment(h.asg.ID, h.asg.State, types.AssignmentStateAborted)
		return
	}
	h.job = job
	inst, err := d.store.GetInstance(h.asg.InstanceID)
	if err != nil {
		d.logger.Error().Err(err).Str("assignment_id", h.asg.ID).Str("instance_id", h.asg.InstanceID).Msg("Assignment references unknown instance")
		_, _ = d.store.TransitionAssignment(h.asg.ID, h.asg.State, types.AssignmentStateAborted)
		return
	}
	h.inst = inst
	h.logger = d.logger.With().
		Str("job_id", job.ID).
		Str("assignment_id", h.asg.ID).
		Str("instance_id", inst.ID).
		Logger()

	if job.State.Terminal() {
		// Leftover bookkeeping from a crash mid-finish.
		if _, err := d.store.TransitionAssignment(h.asg.ID, h.asg.State, types.AssignmentStateAborted); err == nil {
			d.signalIdle(inst)
		}
		return
	}

	adopted := h.asg.State == types.AssignmentStateRunning

	conn := h.connect(adopted)
	if conn == nil {
		return
	}
	defer conn.Close()
	metrics.WorkerConnections.Inc()
	defer metrics.WorkerConnections.Dec()

	if adopted {
		if h.job.State == types.JobStatePending {
			// A crash landed between the assignment and job writes.
			if job, err := d.store.TransitionJob(h.job.ID, types.JobStatePending, types.JobStateRunning, storage.TransitionDetails{}); err == nil {
				h.job = job
			}
		}
		h.logger.Info().Msg("Assignment adopted")
	} else {
		if h.job.Deadline != nil && !h.job.Deadline.After(time.Now()) {
			h.resolveExpiredBeforeStart()
			return
		}
		uploadURI := resultURI(d.cfg.Get().Dispatch.ResultBaseURI, h.job.ID)
		if err := h.send(conn, worker.Message{Type: worker.MessageStart, Job: h.job, ResultUploadURI: uploadURI}); err != nil {
			h.giveUpDispatch(fmt.Sprintf("start frame write failed: %v", err))
			return
		}
		asg, err := d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateAssigned, types.AssignmentStateRunning)
		if err != nil {
			// The reaper took the assignment while we were dialing. Stop the
			// worker we just started and walk away.
			h.logger.Warn().Err(err).Msg("Assignment moved during dispatch")
			_ = h.send(conn, worker.Message{Type: worker.MessageCancel})
			return
		}
		h.asg = asg
		job, err := d.store.TransitionJob(h.job.ID, types.JobStatePending, types.JobStateRunning, storage.TransitionDetails{})
		if err != nil {
			h.logger.Warn().Err(err).Msg("Job moved during dispatch")
			_ = h.send(conn, worker.Message{Type: worker.MessageCancel})
			if _, err := d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateRunning, types.AssignmentStateAborted); err == nil {
				d.signalIdle(h.inst)
			}
			return
		}
		h.job = job
		h.logger.Info().Str("address", inst.Address).Msg("Job dispatched")
	}

	h.loop(conn)
}

// connect dials the worker's control endpoint, retrying while the dispatch
// window is open. A nil return means the handler is done: the failure was
// resolved here, or the dispatcher is shutting down.
func (h *handler) connect(adopted bool) *websocket.Conn {
	cfg := h.d.cfg.Get()
	window := cfg.Reaper.DispatchTimeout.D()
	if window <= 0 {
		window = 2 * time.Minute
	}
	since := h.asg.AssignedAt
	if adopted {
		// Re-dials after a restart get a fresh window.
		since = time.Now()
	}

	target := url.URL{Scheme: "ws", Host: h.inst.Address, Path: worker.ControlPath}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.inst.TokenID)
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.Dispatch.DialTimeout.D()}

	backoff := dialBackoffFloor
	for {
		conn, _, err := dialer.DialContext(h.d.ctx, target.String(), header)
		if err == nil {
			return conn
		}
		if h.d.ctx.Err() != nil {
			return nil
		}
		if time.Since(since) > window {
			if adopted {
				h.resolveLostWorker(fmt.Sprintf("worker unreachable: %v", err))
			} else {
				h.giveUpDispatch(fmt.Sprintf("worker unreachable: %v", err))
			}
			return nil
		}
		h.logger.Warn().Err(err).Str("address", h.inst.Address).Msg("Worker dial failed")
		select {
		case <-h.d.stopCh:
			return nil
		case <-h.cancelCh:
			h.resolveCancelDuringDial(adopted)
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > dialBackoffCap {
			backoff = dialBackoffCap
		}
	}
}

func (h *handler) loop(conn *websocket.Conn) {
	d := h.d
	cfg := d.cfg.Get()
	hbTimeout := cfg.Dispatch.HeartbeatTimeout.D()
	if hbTimeout <= 0 {
		hbTimeout = 60 * time.Second
	}
	grace := cfg.Dispatch.CancelGrace.D()
	if grace <= 0 {
		grace = 15 * time.Second
	}

	frames := make(chan worker.Message, 8)
	readErr := make(chan error, 1)
	go readFrames(conn, hbTimeout, frames, readErr)

	var deadlineCh, graceCh <-chan time.Time
	if h.job.Deadline != nil {
		deadlineCh = time.After(time.Until(*h.job.Deadline))
	}

	for {
		select {
		case <-d.stopCh:
			// Rows stay live; the next process re-adopts them.
			return
		case msg := <-frames:
			switch msg.Type {
			case worker.MessageHeartbeat:
				h.touch()
			case worker.MessageProgress:
				h.touch()
				h.forwardProgress(msg)
			case worker.MessageCompleted:
				h.resolveCompleted(msg)
				return
			case worker.MessageFailed:
				if h.ending != "" {
					h.resolveEnding(true)
				} else {
					h.resolveFailed(msg)
				}
				return
			}
		case err := <-readErr:
			if h.ending != "" {
				// The worker dropped the channel instead of acking; same
				// outcome as the grace expiring.
				h.resolveEnding(false)
				return
			}
			h.resolveLostWorker(fmt.Sprintf("control channel lost: %v", err))
			return
		case <-h.cancelCh:
			if h.ending != "" {
				continue
			}
			h.ending = types.JobStateCancelled
			_ = h.send(conn, worker.Message{Type: worker.MessageCancel})
			graceCh = time.After(grace)
			h.logger.Info().Msg("Cancel relayed to worker")
		case <-deadlineCh:
			deadlineCh = nil
			if h.ending != "" {
				continue
			}
			h.ending = types.JobStateTimedOut
			_ = h.send(conn, worker.Message{Type: worker.MessageCancel})
			graceCh = time.After(grace)
			h.logger.Info().Msg("Deadline hit, stopping worker")
		case <-graceCh:
			h.resolveEnding(false)
			return
		}
	}
}

// readFrames pumps control frames to the handler. The read deadline doubles
// as the heartbeat watchdog: a worker quiet for longer than the timeout
// fails the read.
func readFrames(conn *websocket.Conn, timeout time.Duration, frames chan<- worker.Message, errCh chan<- error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		var msg worker.Message
		if err := conn.ReadJSON(&msg); err != nil {
			errCh <- err
			return
		}
		select {
		case frames <- msg:
		default:
			// Handler stopped consuming; it is resolving.
		}
	}
}

func (h *handler) resolveCompleted(msg worker.Message) {
	asg, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateRunning, types.AssignmentStateCompleted)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Assignment completion raced another writer")
	}
	details := storage.TransitionDetails{
		ResultRef:      msg.ResultRef,
		FinalCostCents: h.costOf(asg),
	}
	if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStateRunning, types.JobStateCompleted, details); err != nil {
		h.logger.Error().Err(err).Msg("Failed to complete job")
	}
	metrics.DispatchesTotal.WithLabelValues("completed").Inc()
	h.d.signalIdle(h.inst)
	h.logger.Info().Str("result_ref", msg.ResultRef).Int64("cost_cents", details.FinalCostCents).Msg("Job completed")
}

func (h *handler) resolveFailed(msg worker.Message) {
	class := msg.Class
	if class == "" {
		class = types.ErrClassPermanent
	}
	asg, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateRunning, types.AssignmentStateFailed)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Assignment failure raced another writer")
	}
	details := storage.TransitionDetails{
		ErrorClass:     class,
		Message:        msg.Text,
		FinalCostCents: h.costOf(asg),
	}
	if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStateRunning, types.JobStateFailed, details); err != nil {
		h.logger.Error().Err(err).Msg("Failed to fail job")
	} else {
		h.maybeRetry(class)
	}
	metrics.DispatchesTotal.WithLabelValues("failed").Inc()
	h.d.signalIdle(h.inst)
	h.logger.Warn().Str("class", class).Str("reason", msg.Text).Msg("Job failed on worker")
}

func (h *handler) resolveLostWorker(reason string) {
	asg, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateRunning, types.AssignmentStateAborted)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Assignment abort raced another writer")
	}
	details := storage.TransitionDetails{
		ErrorClass:     types.ErrClassLostWorker,
		Message:        reason,
		FinalCostCents: h.costOf(asg),
	}
	if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStateRunning, types.JobStateFailed, details); err != nil {
		h.logger.Error().Err(err).Msg("Failed to fail job")
	} else {
		h.maybeRetry(types.ErrClassLostWorker)
	}
	h.drainInstance()
	metrics.DispatchesTotal.WithLabelValues("lost_worker").Inc()
	h.d.signalIdle(h.inst)
	h.logger.Error().Str("reason", reason).Msg("Worker lost")
}

// resolveEnding finishes a cancel or deadline stop. acked tells whether the
// worker confirmed with a terminal frame; an unacked stop taints the box.
func (h *handler) resolveEnding(acked bool) {
	asg, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateRunning, types.AssignmentStateAborted)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Assignment abort raced another writer")
	}
	details := storage.TransitionDetails{FinalCostCents: h.costOf(asg)}
	switch {
	case h.ending == types.JobStateTimedOut:
		details.ErrorClass = types.ErrClassDeadlineExceeded
		details.Message = "deadline exceeded while running"
	case acked:
		details.Message = "cancelled on worker acknowledgement"
	default:
		details.Message = "worker did not acknowledge cancel within the grace period"
	}
	if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStateRunning, h.ending, details); err != nil {
		h.logger.Error().Err(err).Msg("Failed to finish job")
	}
	if !acked {
		h.drainInstance()
	}
	metrics.DispatchesTotal.WithLabelValues(string(h.ending)).Inc()
	h.d.signalIdle(h.inst)
	h.logger.Info().Bool("acked", acked).Str("outcome", string(h.ending)).Msg("Worker stopped")
}

// giveUpDispatch fails a never-started assignment once the dispatch window
// closes. The instance is drained defensively.
func (h *handler) giveUpDispatch(reason string) {
	if _, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateAssigned, types.AssignmentStateAborted); err != nil {
		h.logger.Warn().Err(err).Msg("Assignment abort raced another writer")
	}
	details := storage.TransitionDetails{ErrorClass: types.ErrClassDispatchTimeout, Message: reason}
	if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStatePending, types.JobStateFailed, details); err != nil {
		h.logger.Error().Err(err).Msg("Failed to fail job")
	}
	h.drainInstance()
	metrics.DispatchesTotal.WithLabelValues("dispatch_timeout").Inc()
	h.d.signalIdle(h.inst)
	h.logger.Error().Str("reason", reason).Msg("Dispatch window closed")
}

func (h *handler) resolveExpiredBeforeStart() {
	if _, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateAssigned, types.AssignmentStateAborted); err != nil {
		h.logger.Warn().Err(err).Msg("Assignment abort raced another writer")
	}
	details := storage.TransitionDetails{
		ErrorClass: types.ErrClassDeadlineExceeded,
		Message:    "deadline passed before dispatch",
	}
	if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStatePending, types.JobStateFailed, details); err != nil {
		h.logger.Error().Err(err).Msg("Failed to fail job")
	} else {
		metrics.JobsExpired.Inc()
	}
	h.d.signalIdle(h.inst)
	h.logger.Warn().Msg("Deadline passed before dispatch")
}

func (h *handler) resolveCancelDuringDial(adopted bool) {
	if adopted {
		asg, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateRunning, types.AssignmentStateAborted)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Assignment abort raced another writer")
		}
		details := storage.TransitionDetails{
			Message:        "cancelled while worker unreachable",
			FinalCostCents: h.costOf(asg),
		}
		if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStateRunning, types.JobStateCancelled, details); err != nil {
			h.logger.Error().Err(err).Msg("Failed to cancel job")
		}
		// The worker may still be executing; do not reuse the box.
		h.drainInstance()
	} else {
		if _, err := h.d.store.TransitionAssignment(h.asg.ID, types.AssignmentStateAssigned, types.AssignmentStateAborted); err != nil {
			h.logger.Warn().Err(err).Msg("Assignment abort raced another writer")
		}
		details := storage.TransitionDetails{Message: "cancelled before dispatch"}
		if _, err := h.d.store.TransitionJob(h.job.ID, types.JobStatePending, types.JobStateCancelled, details); err != nil {
			h.logger.Error().Err(err).Msg("Failed to cancel job")
		}
	}
	metrics.DispatchesTotal.WithLabelValues("cancelled").Inc()
	h.d.signalIdle(h.inst)
	h.logger.Info().Msg("Cancelled during dial")
}

// maybeRetry enqueues a successor when the failure class allows it and the
// retry budget is not exhausted. Retries carry no idempotency key; the
// lineage lives in the retry_of chain. The owner's ceiling was checked at
// the original submission, so the retry is admitted unconditionally; the
// accrual brake still covers runaway spend.
func (h *handler) maybeRetry(class string) {
	if class != types.ErrClassRetryable && class != types.ErrClassLostWorker {
		return
	}
	job := h.job
	if job.RetryCount >= job.MaxRetries {
		h.logger.Info().Int("retries", job.RetryCount).Msg("Retry budget exhausted")
		return
	}
	retry := types.NewRetry(job)
	created, _, err := h.d.store.SubmitJob(retry, 0)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to enqueue retry")
		return
	}
	metrics.JobsRetried.Inc()
	h.logger.Info().Str("retry_id", created.ID).Int("attempt", retry.RetryCount).Msg("Retry enqueued")
}

// drainInstance marks the box suspect after a worker misbehaved; the
// provisioner terminates it once its last assignment settles.
func (h *handler) drainInstance() {
	_, err := h.d.store.TransitionInstance(h.inst.ID, types.InstanceStateRunning, types.InstanceStateDraining, storage.TransitionDetails{})
	if err != nil {
		// Already draining or failed; it will not be reused either way.
		h.logger.Debug().Err(err).Msg("Instance drain skipped")
	}
}

func (h *handler) touch() {
	if err := h.d.store.TouchInstanceHeartbeat(h.inst.ID, time.Now().UTC()); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to record heartbeat")
	}
}

func (h *handler) forwardProgress(msg worker.Message) {
	h.d.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    events.EventJobProgress,
		Message: msg.Text,
		Metadata: map[string]string{
			events.MetaJobID:       h.job.ID,
			events.MetaProgressPct: strconv.Itoa(msg.Pct),
		},
	})
	h.logger.Debug().Int("pct", msg.Pct).Msg("Job progress")
}

func (h *handler) costOf(asg *types.Assignment) int64 {
	if asg == nil || asg.StartedAt == nil || asg.FinishedAt == nil {
		return 0
	}
	return cost.ForDuration(h.inst.RateCents, asg.FinishedAt.Sub(*asg.StartedAt))
}

func (h *handler) send(conn *websocket.Conn, msg worker.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// resultURI is where the worker uploads artifacts for a job.
func resultURI(base, jobID string) string {
	return strings.TrimSuffix(base, "/") + "/" + jobID + "/"
}
