package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// Webservice is the passive recorder of webservice start/finish times.
// Stored metrics are kept until a reporting pass drains them; a newer finish
// for the same kind overwrites the unread one. Concurrent calls of one kind
// are paired with their starts in FIFO order.
type Webservice struct {
	mu      sync.Mutex
	starts  map[string][]time.Time
	metrics map[string]types.Metric
	now     func() time.Time
	log     *slog.Logger
}

// NewWebservice creates an empty recorder. now may be nil.
func NewWebservice(now func() time.Time, log *slog.Logger) *Webservice {
	if now == nil {
		now = time.Now
	}
	return &Webservice{
		starts:  make(map[string][]time.Time),
		metrics: make(map[string]types.Metric),
		now:     now,
		log:     logging.Or(log),
	}
}

// OnStarted records the start timestamp for kind.
func (w *Webservice) OnStarted(kind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts[kind] = append(w.starts[kind], w.now())
}

// OnFinished stores a Metric for kind. Without a matching OnStarted it only
// logs.
func (w *Webservice) OnFinished(kind string, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pending := w.starts[kind]
	if len(pending) == 0 {
		w.log.Debug("Webservice finished without start", "webservice", kind)
		return
	}
	start := pending[0]
	if len(pending) == 1 {
		delete(w.starts, kind)
	} else {
		w.starts[kind] = pending[1:]
	}

	d := w.now().Sub(start)
	w.metrics[kind] = types.Metric{
		Kind:     kind,
		Success:  success,
		Duration: d,
		Millis:   d.Milliseconds(),
	}
}

// Drain returns every stored metric, sorted by kind, and clears them.
func (w *Webservice) Drain() []types.Metric {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]types.Metric, 0, len(w.metrics))
	for _, m := range w.metrics {
		out = append(out, m)
	}
	w.metrics = make(map[string]types.Metric)

	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
