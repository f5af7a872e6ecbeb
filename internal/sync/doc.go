// Package sync is the synchronization engine of the review client.
//
// # Overview
//
// An Engine owns a MultiQueue of Tasks and runs them one at a time on a
// single worker goroutine. Tasks pull remote state and reconcile it into the
// local cache (package store), or push locally queued edits back to the
// server and then schedule a refresh of the affected change. Tasks may
// submit further tasks; the parent records them so callers can wait for the
// whole fan-out.
//
// # Priorities
//
//	HighPriority    user actions, catch-up after reconnecting, bootstrap
//	NormalPriority  periodic subscribed-project sync
//	LowPriority     branch lists and working copy repair
//
// # Failure handling
//
// A task that fails with remote.ErrUnavailable is not failed: the engine
// enters offline mode, queues a high-priority resync and upload exactly once
// per online→offline edge, sleeps for the offline backoff and runs the same
// task again. Any other error fails the task, sets the sticky error flag and
// the worker moves on.
//
// Observers receive (offline, error) status updates and a redraw signal after
// every attempt. UpdateEvents produced by successful tasks are delivered in
// order on the Events channel.
package sync
