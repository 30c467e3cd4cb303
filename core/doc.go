// Package core holds the domain model shared by the detection pipeline:
// the normalized event shape, detection rule snapshots, alerts and their
// status state machine, and the generic worker pool.
//
// Events and rule snapshots are immutable values once handed to the
// pipeline. Alerts are mutable records with a single owner (the alert
// service) and named transition operations; ad hoc field mutation is not
// part of the contract.
package core
