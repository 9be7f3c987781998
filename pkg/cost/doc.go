/*
Package cost prices work and keeps spending honest.

Three concerns live here. Estimation turns a job into projected cents using
the template catalog's expected durations, against either a static reference
price book (at submission, before any offer exists) or a concrete offer's
hourly rate. Ranking orders provider offers for the provisioner:
cheapest-first among offers that can actually run the job, with ties broken
toward available offers, then toward providers with the most soft-quota
headroom, then by tag for determinism. Enforcement compares an owner's
exposure — realized ledger cents plus the estimates of all non-terminal
jobs — against their configured ceiling, both at admission and as a
scheduling brake once realized spend alone crosses the line.

The accrual loop is the clock that turns instance uptime into ledger rows:
every interval it appends one period per running or draining instance, with
the store clamping periods to the last ledger watermark so concurrent or
repeated appends never double-bill. Termination paths call Finalize for the
last partial period.
*/
package cost
