package progress

import (
	"context"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so callers
// can remain agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}

// ObserveAttempt emits the attempt as an Event. Its signature matches
// health.Observer so a Hub can be registered on the tracker directly.
func (h *Hub) ObserveAttempt(entry crawler.ExecutionLog, before, after crawler.Source) {
	h.Emit(FromAttempt(entry, before, after))
}
