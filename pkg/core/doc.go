// Package core holds the domain models, status machines, error taxonomy
// and persistence interfaces shared by every other schedq package.
//
// Nothing in core performs I/O; it defines what a Job, JobExecution,
// DispatchEnvelope and IdempotencyRecord are and the invariants the
// scheduler and executor uphold over them.
package core
