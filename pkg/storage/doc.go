/*
Package storage provides BoltDB-backed state persistence for Corral's
orchestration data.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for jobs, instances,
assignments, claim leases, and the append-only cost ledger. All data is
serialized as JSON and stored in separate buckets. Everything that must hold
together under concurrency, quota sums, compare-and-set transitions, claim
batches, holds together because it runs inside a single write transaction.

# Architecture

Corral uses BoltDB (bbolt) for embedded, transactional storage with zero
external dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/corral.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ jobs         (Job ID)      │             │          │
	│  │  │ instances    (Instance ID) │             │          │
	│  │  │ assignments  (Assignment ID│             │          │
	│  │  │ ledger       (inst/period) │             │          │
	│  │  │ leases       (claim token) │             │          │
	│  │  │ idempotency  (owner+key)   │             │          │
	│  │  │ archive      (Job ID)      │             │          │
	│  │  └────────────────────────────┘             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  │  - Rollback: Automatic on error             │          │
	│  │  - Commit: Automatic on success + fsync     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Event Publication                     │          │
	│  │  - After commit, never inside the tx        │          │
	│  │  - job/instance/assignment transitions      │          │
	│  │  - Lossy bus: consumers re-read the store   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements Store interface using BoltDB
  - Single database file per orchestrator
  - Automatic bucket creation on initialization
  - Thread-safe via BoltDB's transaction model
  - Publishes transition events after commit

Buckets:
  - jobs: Active jobs keyed by ID
  - instances: Provisioned GPU instances keyed by ID
  - assignments: Job-to-instance bindings, full history
  - ledger: Append-only cost entries keyed instanceID/periodEnd
  - leases: Scheduler claim batches keyed by token
  - idempotency: owner+key to job ID mappings
  - archive: Terminal jobs moved out after retention

Sentinel Errors:
  - ErrNotFound: Row does not exist
  - ErrConflict: Compare-and-set precondition failed
  - ErrQuotaExceeded: Owner ceiling or provider quota hit
  - ErrStorageUnavailable: Backend failure, retry with backoff

# Transitions

Job, instance, and assignment state changes are compare-and-set on
(id, expected state). A racing writer loses with ErrConflict and must
re-read before deciding anything. Timestamps are stamped on the way
through: StartedAt when something reaches running, FinishedAt or
TerminatedAt when it reaches a terminal state.

# Claims

ClaimQueued selects queued jobs in priority order, marks them pending, and
writes a lease over the batch in one transaction. A pending job that gains a
live assignment is out of the lease's reach; one that never does reverts to
queued when the lease is released or expires. Crash between claim and bind
therefore costs one lease TTL, not a stuck job.

# Quota and Cost

SubmitJob checks the owner's projected spend inside the insert transaction:
accrued cents on their non-terminal instances plus recorded estimates of
their queued and pending jobs. Concurrent submissions serialize on the
write lock, so two requests cannot both slip under the ceiling.

AppendCost clamps the billing period to the instance's last ledger boundary
before computing whole-cent charges, so overlapping calls never double-bill.
Periods too short to accrue a cent stay open and roll into the next append.
The instance's BilledOwner, set at every bind, attributes the charge; idle
time between jobs stays on the last owner served.

# Data Integrity

Transaction Guarantees:
  - Atomicity: All-or-nothing commits
  - Consistency: CAS transitions reject stale writers
  - Isolation: Snapshot reads, serialized writes
  - Durability: fsync on commit ensures crash recovery

Backup and Restore:
  - Database is single file (easy to copy)
  - Backup: corral-archive backup uses bolt's Tx.WriteTo on a live db
  - Restore: Replace file and restart the orchestrator

Data Migration:
  - Schema changes handled via JSON flexibility
  - New fields: Add with omitempty tag (backward compatible)
  - Remove fields: Ignored during unmarshal

# See Also

  - pkg/types for all entity definitions
  - pkg/scheduler for the claim/bind cycle
  - pkg/cost for estimates, ceilings, and the accrual loop
  - pkg/reaper for lease expiry and retention archival
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
