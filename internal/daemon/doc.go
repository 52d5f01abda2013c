// Package daemon wires the pipeline engine, job queue, and executor into a
// single long-running process and exposes them over a local HTTP API. It
// enforces single-instance execution with a lock file and promotes jobs
// interrupted by a previous shutdown back to the front of the queue.
package daemon
