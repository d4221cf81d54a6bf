// Package workflow drains the conversion queue with a worker pool.
//
// The Manager claims pending items, runs the convert and tagging stages
// against each one, and persists progress and failure metadata back to the
// queue. A file lock keeps concurrent daemons off the same queue database,
// and per-item heartbeats let a restarted manager reclaim work an earlier
// crash left behind.
package workflow
