// Package tasks implements background (task-augmented) execution for
// component invocations.
//
// A component declares how it relates to background execution through a
// Config (forbidden, optional or required). A request opts in by carrying a
// *Meta, built from the request's task metadata. The server resolves the
// component, enforces the declared mode, enriches the Meta with the
// component's fully qualified key (exactly once), and hands a Submission to
// the Dispatcher.
//
// The Dispatcher persists a Record in "working" status, emits a created
// event, and enqueues a Job — strictly in that order, so a client that
// observes the created notification can always poll the task. A Runner
// consumes the queue, invokes the registered function for the job's fnKey,
// and stores the canonical result (or failure) back on the record. Status
// polls and result retrieval read the record store directly, so any process
// sharing the store can serve them regardless of where the job ran.
//
// Queue implementations live in the memqueue and redisqueue subpackages.
package tasks
