// Package worker delivers queued tasks for an orchestration host.
//
// Two kinds of task flow through a worker:
//
//   - lifecycle events, enqueued by the engine when publishing is
//     asynchronous, are handed to an api.Publisher;
//   - external events, enqueued out of band with EnqueueEvent or
//     EnqueueEventAt, are handed to an EventSink (normally the controller)
//     which stores them and wakes the waiting instances.
//
// Failed deliveries are re-enqueued with a linear backoff until
// Config.MaxAttempts is reached. Any taskqueue.Queue works, so a durable
// queue (SQLite, MongoDB) keeps external events across restarts.
//
// Workers are long-lived and typically run in their own goroutine via Run.
// Multiple workers can safely consume the same queue.
package worker
