package notify

import (
	"context"
	"log/slog"
	"time"

	"reelsync/internal/observability/metrics"
)

// Worker drains a queue subscription into the dispatcher. It is the async
// half of the fire-and-forget notification path: publishers never wait on
// persistence or push.
type Worker struct {
	queue      Queue
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func NewWorker(queue Queue, dispatcher *Dispatcher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics.Default(),
	}
}

// Run consumes events until the context is cancelled. Dispatch failures are
// logged and dropped; a notification is best-effort by contract and the queue
// has already acknowledged the entry.
func (w *Worker) Run(ctx context.Context) {
	sub := w.queue.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			w.handle(ctx, event)
		}
	}
}

func (w *Worker) handle(ctx context.Context, event Event) {
	dispatchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	w.metrics.ObserveQueueEvent("consumed")
	if _, err := w.dispatcher.Dispatch(dispatchCtx, event.Recipient, event.Type, event.Message, event.RelatedID); err != nil {
		w.logger.Warn("notification dispatch failed",
			"recipient", event.Recipient.Key(),
			"type", event.Type,
			"error", err)
	}
}
