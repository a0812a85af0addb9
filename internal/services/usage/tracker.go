package usage

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-api/metering/internal/models"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Store is the durable storage collaborator for usage metering.
type Store interface {
	BatchInsert(ctx context.Context, events []models.UsageEvent) error
	GetCurrentUsage(ctx context.Context, ecoID string) (*models.UsageSnapshot, error)
	HasExceededLimit(ctx context.Context, ecoID string) (bool, error)
	GetHistory(ctx context.Context, ecoID string, days int) ([]models.DailyUsage, error)
	GetEndpointStats(ctx context.Context, ecoID string, days int) ([]models.EndpointStat, error)
}

// Tracker buffers usage events off the request path and flushes them to
// the store in batches: immediately once batchSize events are queued, and
// on a repeating interval regardless of count. Each queued event is
// flushed exactly once; the queue swap under the mutex is what enforces
// that for racing flush paths.
type Tracker struct {
	store     Store
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []models.UsageEvent

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewTracker(store Store, cfg models.TrackerConfig) *Tracker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := time.Duration(cfg.FlushInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t := &Tracker{
		store:     store,
		batchSize: batchSize,
		interval:  interval,
		stopped:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.flushLoop()

	return t
}

// Track queues one event. It never blocks on I/O and never surfaces an
// error to the caller; a full batch is handed to a background flush while
// later events accumulate in a fresh queue segment.
func (t *Tracker) Track(event models.UsageEvent) {
	select {
	case <-t.stopped:
		fiberlog.Warnf("usage tracker stopped, dropping event for %s", event.EcoID)
		return
	default:
	}

	t.mu.Lock()
	t.pending = append(t.pending, event)
	var batch []models.UsageEvent
	if len(t.pending) >= t.batchSize {
		batch = t.pending[:t.batchSize:t.batchSize]
		t.pending = append([]models.UsageEvent(nil), t.pending[t.batchSize:]...)
	}
	t.mu.Unlock()

	if batch != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.submit(context.Background(), batch)
		}()
	}
}

// Flush drains whatever is queued and writes it as a single batch insert.
// A no-op on an empty queue. A failed insert is logged and the batch
// discarded; the tracker stays usable.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	t.submit(ctx, batch)
}

func (t *Tracker) submit(ctx context.Context, batch []models.UsageEvent) {
	if err := t.store.BatchInsert(ctx, batch); err != nil {
		fiberlog.Errorf("usage tracker: flush of %d events failed: %v", len(batch), err)
	}
}

// GetCurrentUsage is a passthrough to the store's current-period query.
func (t *Tracker) GetCurrentUsage(ctx context.Context, ecoID string) (*models.UsageSnapshot, error) {
	return t.store.GetCurrentUsage(ctx, ecoID)
}

// HasExceededLimit is a passthrough to the store.
func (t *Tracker) HasExceededLimit(ctx context.Context, ecoID string) (bool, error) {
	return t.store.HasExceededLimit(ctx, ecoID)
}

// Shutdown stops the flush timer, waits for in-flight flushes and drains
// the remaining queue. No timer-driven flush fires once it returns.
func (t *Tracker) Shutdown(ctx context.Context) {
	t.stopOnce.Do(func() {
		close(t.stopped)
	})
	t.wg.Wait()
	t.Flush(ctx)
}

func (t *Tracker) flushLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-t.stopped:
			return
		}
	}
}
