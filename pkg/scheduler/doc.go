/*
Package scheduler pairs queued jobs with idle running instances.

A pass begins with a sweep: queued jobs past their deadline fail with
deadline_exceeded, jobs starved past the blocked-wait ceiling fail with
no_capacity. Then the schedulable remainder is claimed under a short lease,
ordered priority-bucket-first and oldest-first within a bucket, and walked
against the idle fleet. Placement is best-fit: the instance that wastes the
least hardware on the job wins. Binding is a compare-and-set in the store, so
two orchestrators racing over one instance resolve cleanly; the loser's job
reverts to queued when its lease is released.

Jobs with no fitting idle instance are bucketed by requested profile and the
provisioner is asked for one new instance per starved bucket, not one per
job. Capacity for a burst of submissions grows lazily, bounded by the
per-provider create budget and soft quotas.

The loop wakes on job submissions, instances becoming ready, and instances
going idle; the periodic tick backstops anything the lossy bus dropped.
Priority is deliberately coarse: four buckets, FIFO within each. Owners whose
realized spend crossed their ceiling are skipped at claim time until the
brake lifts.
*/
package scheduler
