package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/types"
)

// Bucket names
var (
	jobsBucket        = []byte("jobs")
	instancesBucket   = []byte("instances")
	assignmentsBucket = []byte("assignments")
	ledgerBucket      = []byte("ledger")
	leasesBucket      = []byte("leases")
	idempotencyBucket = []byte("idempotency")
	archiveBucket     = []byte("archive")
)

const defaultPageSize = 100

// BoltStore implements Store using BoltDB. Transition events are published
// after the transaction commits, never inside it.
type BoltStore struct {
	db     *bolt.DB
	events *events.Broker
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string, broker *events.Broker) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "corral.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			jobsBucket,
			instancesBucket,
			assignmentsBucket,
			ledgerBucket,
			leasesBucket,
			idempotencyBucket,
			archiveBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &BoltStore{db: db, events: broker}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// backendErr passes the store's sentinel errors through untouched and
// classifies everything else as a backend failure
func backendErr(err error) error {
	if err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func (s *BoltStore) publish(t events.EventType, message string, meta map[string]string) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     t,
		Message:  message,
		Metadata: meta,
	})
}

// --- Jobs ---

// SubmitJob inserts a new queued job. When the job carries an idempotency key
// already seen for this owner, the original job is returned and the second
// return is false. ceilingCents caps the owner's projected spend (accrued on
// their non-terminal instances plus estimates of their queued and pending
// jobs); 0 means unlimited. The quota check runs inside the same transaction
// as the insert, so concurrent submissions cannot both slip under the ceiling.
func (s *BoltStore) SubmitJob(job *types.Job, ceilingCents int64) (*types.Job, bool, error) {
	var (
		out     *types.Job
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if job.IdempotencyKey != "" {
			key := idemKey(job.Owner, job.IdempotencyKey)
			if existing := tx.Bucket(idempotencyBucket).Get(key); existing != nil {
				prior, err := getJob(tx, string(existing))
				if err != nil {
					return err
				}
				out = prior
				return nil
			}
		}

		if ceilingCents > 0 {
			accrued, estimates, err := ownerExposure(tx, job.Owner)
			if err != nil {
				return err
			}
			if accrued+estimates+job.EstimateCents > ceilingCents {
				return fmt.Errorf("owner %s projected spend %d + estimate %d exceeds ceiling %d: %w",
					job.Owner, accrued+estimates, job.EstimateCents, ceilingCents, ErrQuotaExceeded)
			}
		}

		if job.ID == "" {
			job.ID = uuid.New().String()
		}
		job.State = types.JobStateQueued
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		if err := putJob(tx, job); err != nil {
			return err
		}
		if job.IdempotencyKey != "" {
			key := idemKey(job.Owner, job.IdempotencyKey)
			if err := tx.Bucket(idempotencyBucket).Put(key, []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to record idempotency key: %w", err)
			}
		}
		out = job
		created = true
		return nil
	})
	if err != nil {
		return nil, false, backendErr(err)
	}
	if created {
		s.publish(events.EventJobSubmitted, fmt.Sprintf("job %s submitted", out.ID), map[string]string{
			events.MetaJobID: out.ID,
			events.MetaOwner: out.Owner,
		})
	}
	return out, created, nil
}

// GetJob retrieves a job by ID
func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter in key order. The second return
// is the cursor for the next page, empty when the listing is exhausted.
func (s *BoltStore) ListJobs(filter JobFilter) ([]*types.Job, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	var (
		jobs       []*types.Job
		nextCursor string
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		var k, v []byte
		if filter.Cursor != "" {
			k, v = c.Seek([]byte(filter.Cursor))
			if k != nil && string(k) == filter.Cursor {
				k, v = c.Next()
			}
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			if filter.Owner != "" && job.Owner != filter.Owner {
				continue
			}
			if filter.State != "" && job.State != filter.State {
				continue
			}
			jobs = append(jobs, &job)
			if len(jobs) == limit {
				nextCursor = string(k)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", backendErr(err)
	}
	return jobs, nextCursor, nil
}

// CountJobsInStates counts jobs whose state is one of the given states
func (s *BoltStore) CountJobsInStates(states ...types.JobState) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			for _, st := range states {
				if job.State == st {
					count++
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, backendErr(err)
	}
	return count, nil
}

// TransitionJob moves a job from one state to another. The move succeeds only
// if the job is still in the expected from state, otherwise ErrConflict.
// Timestamps are stamped on the way through: StartedAt when the job reaches
// running, FinishedAt when it reaches a terminal state.
func (s *BoltStore) TransitionJob(id string, from, to types.JobState, details TransitionDetails) (*types.Job, error) {
	var out *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job.State != from {
			return fmt.Errorf("job %s is %s, want %s: %w", id, job.State, from, ErrConflict)
		}

		now := time.Now().UTC()
		job.State = to
		switch {
		case to == types.JobStateRunning:
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
		case to.Terminal():
			job.FinishedAt = &now
		case to == types.JobStateQueued:
			job.InstanceID = ""
		}
		if details.ErrorClass != "" {
			job.ErrorClass = details.ErrorClass
		}
		if details.Message != "" {
			job.Error = details.Message
		}
		if details.FinalCostCents > 0 {
			job.FinalCostCents = details.FinalCostCents
		}
		if details.ResultRef != "" {
			job.ResultRef = details.ResultRef
		}

		if err := putJob(tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, backendErr(err)
	}
	s.publish(events.EventJobTransitioned, fmt.Sprintf("job %s %s -> %s", id, from, to), map[string]string{
		events.MetaJobID:     id,
		events.MetaOwner:     out.Owner,
		events.MetaFromState: string(from),
		events.MetaToState:   string(to),
	})
	return out, nil
}

// ClaimQueued atomically marks up to limit queued jobs pending and records a
// lease over the batch. Jobs are picked in priority order, oldest first within
// a priority. The eligible callback, when non-nil, filters candidates before
// selection. The returned token releases or expires the claim; pending jobs
// that never gained an assignment revert to queued when the lease dies.
func (s *BoltStore) ClaimQueued(limit int, leaseTTL time.Duration, eligible func(*types.Job) bool) ([]*types.Job, string, error) {
	token := uuid.New().String()
	now := time.Now().UTC()

	var claimed []*types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		var queued []*types.Job
		err := tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			if job.State != types.JobStateQueued {
				return nil
			}
			if eligible != nil && !eligible(&job) {
				return nil
			}
			queued = append(queued, &job)
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(queued, func(i, j int) bool {
			if queued[i].Priority.Rank() != queued[j].Priority.Rank() {
				return queued[i].Priority.Rank() > queued[j].Priority.Rank()
			}
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		})
		if limit > 0 && len(queued) > limit {
			queued = queued[:limit]
		}
		if len(queued) == 0 {
			return nil
		}

		ids := make([]string, 0, len(queued))
		for _, job := range queued {
			job.State = types.JobStatePending
			if job.FirstScheduled == nil {
				t := now
				job.FirstScheduled = &t
			}
			if err := putJob(tx, job); err != nil {
				return err
			}
			ids = append(ids, job.ID)
		}

		lease := types.ClaimLease{Token: token, JobIDs: ids, ExpiresAt: now.Add(leaseTTL)}
		data, err := json.Marshal(lease)
		if err != nil {
			return fmt.Errorf("failed to marshal lease: %w", err)
		}
		if err := tx.Bucket(leasesBucket).Put([]byte(token), data); err != nil {
			return fmt.Errorf("failed to record lease: %w", err)
		}
		claimed = queued
		return nil
	})
	if err != nil {
		return nil, "", backendErr(err)
	}
	if len(claimed) == 0 {
		return nil, "", nil
	}
	for _, job := range claimed {
		s.publish(events.EventJobTransitioned, fmt.Sprintf("job %s claimed", job.ID), map[string]string{
			events.MetaJobID:     job.ID,
			events.MetaOwner:     job.Owner,
			events.MetaFromState: string(types.JobStateQueued),
			events.MetaToState:   string(types.JobStatePending),
		})
	}
	return claimed, token, nil
}

// ReleaseClaim reverts the lease's pending jobs that never gained a live
// assignment back to queued and deletes the lease. Releasing an unknown or
// already-expired token is a no-op.
func (s *BoltStore) ReleaseClaim(token string) error {
	reverted, err := s.releaseLease([]byte(token))
	if err != nil {
		return backendErr(err)
	}
	s.publishReverted(reverted)
	return nil
}

// ExpireLeases sweeps leases whose deadline passed, reverting their orphaned
// pending jobs to queued. Returns the number of jobs reverted.
func (s *BoltStore) ExpireLeases(now time.Time) (int, error) {
	var expired [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(leasesBucket).ForEach(func(k, v []byte) error {
			var lease types.ClaimLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return fmt.Errorf("failed to unmarshal lease %s: %w", k, err)
			}
			if lease.ExpiresAt.Before(now) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, backendErr(err)
	}

	total := 0
	for _, key := range expired {
		reverted, err := s.releaseLease(key)
		if err != nil {
			return total, backendErr(err)
		}
		total += len(reverted)
		s.publishReverted(reverted)
	}
	return total, nil
}

// releaseLease deletes one lease row, reverting its assignment-less pending
// jobs to queued inside the same transaction
func (s *BoltStore) releaseLease(key []byte) ([]*types.Job, error) {
	var reverted []*types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(leasesBucket)
		data := leases.Get(key)
		if data == nil {
			return nil
		}
		var lease types.ClaimLease
		if err := json.Unmarshal(data, &lease); err != nil {
			return fmt.Errorf("failed to unmarshal lease %s: %w", key, err)
		}
		for _, id := range lease.JobIDs {
			job, err := getJob(tx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if job.State != types.JobStatePending {
				continue
			}
			live, err := liveAssignmentForJob(tx, id)
			if err != nil {
				return err
			}
			if live != nil {
				continue
			}
			job.State = types.JobStateQueued
			if err := putJob(tx, job); err != nil {
				return err
			}
			reverted = append(reverted, job)
		}
		return leases.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return reverted, nil
}

func (s *BoltStore) publishReverted(jobs []*types.Job) {
	for _, job := range jobs {
		s.publish(events.EventJobTransitioned, fmt.Sprintf("job %s claim lapsed", job.ID), map[string]string{
			events.MetaJobID:     job.ID,
			events.MetaOwner:     job.Owner,
			events.MetaFromState: string(types.JobStatePending),
			events.MetaToState:   string(types.JobStateQueued),
		})
	}
}

// ArchiveExpired moves terminal jobs finished more than retention ago into
// the archive bucket and drops their idempotency mappings, so a replayed key
// after archival creates a fresh job. Returns the number of jobs moved.
func (s *BoltStore) ArchiveExpired(retention time.Duration, now time.Time) (int, error) {
	moved := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(jobsBucket)
		var candidates []*types.Job
		err := bucket.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			if !job.State.Terminal() || job.FinishedAt == nil {
				return nil
			}
			if now.Sub(*job.FinishedAt) >= retention {
				candidates = append(candidates, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		archive := tx.Bucket(archiveBucket)
		idem := tx.Bucket(idempotencyBucket)
		for _, job := range candidates {
			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			if err := archive.Put([]byte(job.ID), data); err != nil {
				return fmt.Errorf("failed to archive job %s: %w", job.ID, err)
			}
			if err := bucket.Delete([]byte(job.ID)); err != nil {
				return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
			if job.IdempotencyKey != "" {
				if err := idem.Delete(idemKey(job.Owner, job.IdempotencyKey)); err != nil {
					return fmt.Errorf("failed to delete idempotency key: %w", err)
				}
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, backendErr(err)
	}
	return moved, nil
}

// --- Instances ---

// CreateInstance persists a new instance after checking the provider's soft
// quota on non-terminal instances. softQuota 0 means unlimited.
func (s *BoltStore) CreateInstance(inst *types.Instance, softQuota int) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if softQuota > 0 {
			held, err := countInstances(tx, inst.Provider, true)
			if err != nil {
				return err
			}
			if held >= softQuota {
				return fmt.Errorf("provider %s holds %d instances, quota %d: %w",
					inst.Provider, held, softQuota, ErrQuotaExceeded)
			}
		}
		if inst.ID == "" {
			inst.ID = uuid.New().String()
		}
		if inst.State == "" {
			inst.State = types.InstanceStateRequested
		}
		if inst.CreatedAt.IsZero() {
			inst.CreatedAt = time.Now().UTC()
		}
		return putInstance(tx, inst)
	})
	if err != nil {
		return backendErr(err)
	}
	s.publish(events.EventInstanceRequested, fmt.Sprintf("instance %s requested on %s", inst.ID, inst.Provider), map[string]string{
		events.MetaInstanceID: inst.ID,
		events.MetaProvider:   inst.Provider,
	})
	return nil
}

// GetInstance retrieves an instance by ID
func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	var inst *types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		inst, err = getInstance(tx, id)
		return err
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return inst, nil
}

// ListInstances returns instances matching the filter
func (s *BoltStore) ListInstances(filter InstanceFilter) ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return fmt.Errorf("failed to unmarshal instance %s: %w", k, err)
			}
			if filter.Provider != "" && inst.Provider != filter.Provider {
				return nil
			}
			if len(filter.States) > 0 {
				match := false
				for _, st := range filter.States {
					if inst.State == st {
						match = true
						break
					}
				}
				if !match {
					return nil
				}
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return instances, nil
}

// CountInstances counts instances for a provider. With nonTerminal set, only
// instances still holding capacity are counted. Empty provider counts all.
func (s *BoltStore) CountInstances(provider string, nonTerminal bool) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		count, err = countInstances(tx, provider, nonTerminal)
		return err
	})
	if err != nil {
		return 0, backendErr(err)
	}
	return count, nil
}

// TransitionInstance moves an instance between states with the same
// compare-and-set discipline as TransitionJob
func (s *BoltStore) TransitionInstance(id string, from, to types.InstanceState, details TransitionDetails) (*types.Instance, error) {
	var out *types.Instance
	err := s.db.Update(func(tx *bolt.Tx) error {
		inst, err := getInstance(tx, id)
		if err != nil {
			return err
		}
		if inst.State != from {
			return fmt.Errorf("instance %s is %s, want %s: %w", id, inst.State, from, ErrConflict)
		}

		now := time.Now().UTC()
		inst.State = to
		switch {
		case to == types.InstanceStateRunning:
			if inst.StartedAt == nil {
				inst.StartedAt = &now
			}
		case to.Terminal():
			inst.TerminatedAt = &now
		}
		if details.Message != "" {
			inst.Error = details.Message
		}

		if err := putInstance(tx, inst); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, backendErr(err)
	}
	s.publish(events.EventInstanceChanged, fmt.Sprintf("instance %s %s -> %s", id, from, to), map[string]string{
		events.MetaInstanceID: id,
		events.MetaProvider:   out.Provider,
		events.MetaFromState:  string(from),
		events.MetaToState:    string(to),
	})
	return out, nil
}

// SetInstanceProviderID records the provider-side identifier once known
func (s *BoltStore) SetInstanceProviderID(id, providerID string) error {
	return backendErr(s.db.Update(func(tx *bolt.Tx) error {
		inst, err := getInstance(tx, id)
		if err != nil {
			return err
		}
		inst.ProviderID = providerID
		return putInstance(tx, inst)
	}))
}

// SetInstanceAddress records the worker address once the instance is reachable
func (s *BoltStore) SetInstanceAddress(id, address string) error {
	return backendErr(s.db.Update(func(tx *bolt.Tx) error {
		inst, err := getInstance(tx, id)
		if err != nil {
			return err
		}
		inst.Address = address
		return putInstance(tx, inst)
	}))
}

// TouchInstanceHeartbeat records liveness observed from the worker channel
func (s *BoltStore) TouchInstanceHeartbeat(id string, at time.Time) error {
	return backendErr(s.db.Update(func(tx *bolt.Tx) error {
		inst, err := getInstance(tx, id)
		if err != nil {
			return err
		}
		if at.After(inst.LastHeartbeat) {
			inst.LastHeartbeat = at
		}
		return putInstance(tx, inst)
	}))
}

// --- Assignments ---

// BindAssignment ties a pending job to a running instance. Each side must be
// free of live assignments; violations return ErrConflict and nothing is
// written. The instance's billed owner switches to the job's owner, so idle
// time after this job stays attributed to them until the next bind.
func (s *BoltStore) BindAssignment(jobID, instanceID string) (*types.Assignment, error) {
	var (
		out   *types.Assignment
		owner string
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.State != types.JobStatePending {
			return fmt.Errorf("job %s is %s, want %s: %w", jobID, job.State, types.JobStatePending, ErrConflict)
		}
		inst, err := getInstance(tx, instanceID)
		if err != nil {
			return err
		}
		if inst.State != types.InstanceStateRunning {
			return fmt.Errorf("instance %s is %s, want %s: %w", instanceID, inst.State, types.InstanceStateRunning, ErrConflict)
		}
		if live, err := liveAssignmentForJob(tx, jobID); err != nil {
			return err
		} else if live != nil {
			return fmt.Errorf("job %s already has assignment %s: %w", jobID, live.ID, ErrConflict)
		}
		if live, err := liveAssignmentForInstance(tx, instanceID); err != nil {
			return err
		} else if live != nil {
			return fmt.Errorf("instance %s already serves job %s: %w", instanceID, live.JobID, ErrConflict)
		}

		asg := &types.Assignment{
			ID:         uuid.New().String(),
			JobID:      jobID,
			InstanceID: instanceID,
			State:      types.AssignmentStateAssigned,
			AssignedAt: time.Now().UTC(),
		}
		if err := putAssignment(tx, asg); err != nil {
			return err
		}
		job.InstanceID = instanceID
		if err := putJob(tx, job); err != nil {
			return err
		}
		inst.BilledOwner = job.Owner
		if err := putInstance(tx, inst); err != nil {
			return err
		}
		out = asg
		owner = job.Owner
		return nil
	})
	if err != nil {
		return nil, backendErr(err)
	}
	s.publish(events.EventAssignmentCreated, fmt.Sprintf("job %s bound to instance %s", jobID, instanceID), map[string]string{
		events.MetaAssignmentID: out.ID,
		events.MetaJobID:        jobID,
		events.MetaInstanceID:   instanceID,
		events.MetaOwner:        owner,
	})
	return out, nil
}

// GetAssignment retrieves an assignment by ID
func (s *BoltStore) GetAssignment(id string) (*types.Assignment, error) {
	var asg *types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		asg, err = getAssignment(tx, id)
		return err
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return asg, nil
}

// ListAssignmentsByJob returns every assignment the job has had, including
// finished ones, oldest first
func (s *BoltStore) ListAssignmentsByJob(jobID string) ([]*types.Assignment, error) {
	var assignments []*types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(assignmentsBucket).ForEach(func(k, v []byte) error {
			var asg types.Assignment
			if err := json.Unmarshal(v, &asg); err != nil {
				return fmt.Errorf("failed to unmarshal assignment %s: %w", k, err)
			}
			if asg.JobID == jobID {
				assignments = append(assignments, &asg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, backendErr(err)
	}
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].AssignedAt.Before(assignments[j].AssignedAt)
	})
	return assignments, nil
}

// ListAssignmentsByInstance returns every assignment the instance has served,
// oldest first
func (s *BoltStore) ListAssignmentsByInstance(instanceID string) ([]*types.Assignment, error) {
	assignments, err := s.listAssignments(func(a *types.Assignment) bool {
		return a.InstanceID == instanceID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].AssignedAt.Before(assignments[j].AssignedAt)
	})
	return assignments, nil
}

// ListAssignmentsInStates returns assignments currently in one of the given
// states
func (s *BoltStore) ListAssignmentsInStates(states ...types.AssignmentState) ([]*types.Assignment, error) {
	return s.listAssignments(func(a *types.Assignment) bool {
		for _, st := range states {
			if a.State == st {
				return true
			}
		}
		return false
	})
}

func (s *BoltStore) listAssignments(match func(*types.Assignment) bool) ([]*types.Assignment, error) {
	var assignments []*types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(assignmentsBucket).ForEach(func(k, v []byte) error {
			var asg types.Assignment
			if err := json.Unmarshal(v, &asg); err != nil {
				return fmt.Errorf("failed to unmarshal assignment %s: %w", k, err)
			}
			if match(&asg) {
				assignments = append(assignments, &asg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return assignments, nil
}

// LiveAssignmentForJob returns the job's live assignment, or nil
func (s *BoltStore) LiveAssignmentForJob(jobID string) (*types.Assignment, error) {
	var asg *types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		asg, err = liveAssignmentForJob(tx, jobID)
		return err
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return asg, nil
}

// LiveAssignmentForInstance returns the instance's live assignment, or nil
func (s *BoltStore) LiveAssignmentForInstance(instanceID string) (*types.Assignment, error) {
	var asg *types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		asg, err = liveAssignmentForInstance(tx, instanceID)
		return err
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return asg, nil
}

// TransitionAssignment moves an assignment between states, compare-and-set
// on the expected from state
func (s *BoltStore) TransitionAssignment(id string, from, to types.AssignmentState) (*types.Assignment, error) {
	var out *types.Assignment
	err := s.db.Update(func(tx *bolt.Tx) error {
		asg, err := getAssignment(tx, id)
		if err != nil {
			return err
		}
		if asg.State != from {
			return fmt.Errorf("assignment %s is %s, want %s: %w", id, asg.State, from, ErrConflict)
		}

		now := time.Now().UTC()
		asg.State = to
		switch to {
		case types.AssignmentStateRunning:
			if asg.StartedAt == nil {
				asg.StartedAt = &now
			}
		case types.AssignmentStateCompleted, types.AssignmentStateFailed, types.AssignmentStateAborted:
			asg.FinishedAt = &now
		}

		if err := putAssignment(tx, asg); err != nil {
			return err
		}
		out = asg
		return nil
	})
	if err != nil {
		return nil, backendErr(err)
	}
	s.publish(events.EventAssignmentChanged, fmt.Sprintf("assignment %s %s -> %s", id, from, to), map[string]string{
		events.MetaAssignmentID: id,
		events.MetaJobID:        out.JobID,
		events.MetaInstanceID:   out.InstanceID,
		events.MetaFromState:    string(from),
		events.MetaToState:      string(to),
	})
	return out, nil
}

// --- Cost ledger ---

// AppendCost bills the instance for the given period at its hourly rate,
// truncated to whole cents. The period start is clamped to the last billed
// boundary, so callers may always pass the instance start and now; overlap
// never double-bills. Fractions that round to zero cents leave the boundary
// where it was and accumulate into the next append. Returns nil when nothing
// was owed.
func (s *BoltStore) AppendCost(instanceID string, periodStart, periodEnd time.Time) (*types.LedgerEntry, error) {
	var entry *types.LedgerEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		inst, err := getInstance(tx, instanceID)
		if err != nil {
			return err
		}

		start := periodStart
		if !inst.LastLedgerEnd.IsZero() && start.Before(inst.LastLedgerEnd) {
			start = inst.LastLedgerEnd
		}
		if !periodEnd.After(start) {
			return nil
		}
		seconds := int64(periodEnd.Sub(start) / time.Second)
		cents := inst.RateCents * seconds / 3600
		if cents == 0 {
			return nil
		}

		entry = &types.LedgerEntry{
			ID:           ledgerKey(instanceID, periodEnd),
			InstanceID:   instanceID,
			Owner:        inst.BilledOwner,
			PeriodStart:  start,
			PeriodEnd:    periodEnd,
			RateCents:    inst.RateCents,
			AccruedCents: cents,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
		if err := tx.Bucket(ledgerBucket).Put([]byte(entry.ID), data); err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}

		inst.AccruedCents += cents
		inst.LastLedgerEnd = periodEnd
		return putInstance(tx, inst)
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return entry, nil
}

// ListLedger returns the instance's ledger entries in period order
func (s *BoltStore) ListLedger(instanceID string) ([]*types.LedgerEntry, error) {
	prefix := []byte(instanceID + "/")
	var entries []*types.LedgerEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal ledger entry %s: %w", k, err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, backendErr(err)
	}
	return entries, nil
}

// OwnerExposure reports what the owner is on the hook for right now: cents
// accrued on their non-terminal instances plus the recorded estimates of
// their queued and pending jobs
func (s *BoltStore) OwnerExposure(owner string) (int64, int64, error) {
	var accrued, estimates int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		accrued, estimates, err = ownerExposure(tx, owner)
		return err
	})
	if err != nil {
		return 0, 0, backendErr(err)
	}
	return accrued, estimates, nil
}

// --- transaction helpers ---

func idemKey(owner, key string) []byte {
	return []byte(owner + "\x00" + key)
}

func ledgerKey(instanceID string, periodEnd time.Time) string {
	return instanceID + "/" + periodEnd.UTC().Format(time.RFC3339Nano)
}

func getJob(tx *bolt.Tx, id string) (*types.Job, error) {
	data := tx.Bucket(jobsBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func putJob(tx *bolt.Tx, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return tx.Bucket(jobsBucket).Put([]byte(job.ID), data)
}

func getInstance(tx *bolt.Tx, id string) (*types.Instance, error) {
	data := tx.Bucket(instancesBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	var inst types.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance %s: %w", id, err)
	}
	return &inst, nil
}

func putInstance(tx *bolt.Tx, inst *types.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	return tx.Bucket(instancesBucket).Put([]byte(inst.ID), data)
}

func getAssignment(tx *bolt.Tx, id string) (*types.Assignment, error) {
	data := tx.Bucket(assignmentsBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	var asg types.Assignment
	if err := json.Unmarshal(data, &asg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignment %s: %w", id, err)
	}
	return &asg, nil
}

func putAssignment(tx *bolt.Tx, asg *types.Assignment) error {
	data, err := json.Marshal(asg)
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}
	return tx.Bucket(assignmentsBucket).Put([]byte(asg.ID), data)
}

func liveAssignmentForJob(tx *bolt.Tx, jobID string) (*types.Assignment, error) {
	return findLiveAssignment(tx, func(a *types.Assignment) bool { return a.JobID == jobID })
}

func liveAssignmentForInstance(tx *bolt.Tx, instanceID string) (*types.Assignment, error) {
	return findLiveAssignment(tx, func(a *types.Assignment) bool { return a.InstanceID == instanceID })
}

func findLiveAssignment(tx *bolt.Tx, match func(*types.Assignment) bool) (*types.Assignment, error) {
	var found *types.Assignment
	err := tx.Bucket(assignmentsBucket).ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		var asg types.Assignment
		if err := json.Unmarshal(v, &asg); err != nil {
			return fmt.Errorf("failed to unmarshal assignment %s: %w", k, err)
		}
		if asg.State.Live() && match(&asg) {
			found = &asg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func countInstances(tx *bolt.Tx, provider string, nonTerminal bool) (int, error) {
	count := 0
	err := tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
		var inst types.Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			return fmt.Errorf("failed to unmarshal instance %s: %w", k, err)
		}
		if provider != "" && inst.Provider != provider {
			return nil
		}
		if nonTerminal && inst.State.Terminal() {
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func ownerExposure(tx *bolt.Tx, owner string) (accrued, estimates int64, err error) {
	err = tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
		var inst types.Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			return fmt.Errorf("failed to unmarshal instance %s: %w", k, err)
		}
		if inst.BilledOwner == owner && !inst.State.Terminal() {
			accrued += inst.AccruedCents
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	err = tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
		var job types.Job
		if err := json.Unmarshal(v, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
		}
		if job.Owner != owner {
			return nil
		}
		if job.State == types.JobStateQueued || job.State == types.JobStatePending {
			estimates += job.EstimateCents
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return accrued, estimates, nil
}
