package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/nexus-api/metering/internal/services/usage"
)

// RequestCountPurgeScheduler periodically deletes rate-limit counter rows
// that have aged out of every possible window. Only relevant when the
// database-backed limiter is in use, but harmless otherwise.
type RequestCountPurgeScheduler struct {
	store     *usage.GormStore
	interval  time.Duration
	retention time.Duration
	stopChan  chan struct{}
}

func NewRequestCountPurgeScheduler(store *usage.GormStore, interval, retention time.Duration) *RequestCountPurgeScheduler {
	if interval == 0 {
		interval = 1 * time.Hour
	}
	if retention == 0 {
		retention = 24 * time.Hour
	}
	return &RequestCountPurgeScheduler{
		store:     store,
		interval:  interval,
		retention: retention,
		stopChan:  make(chan struct{}),
	}
}

func (s *RequestCountPurgeScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Request count purge scheduler started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.retention)
			purged, err := s.store.PurgeRequestCounts(ctx, cutoff)
			if err != nil {
				log.Printf("Error purging request counts: %v", err)
				continue
			}
			if purged > 0 {
				log.Printf("Purged %d stale request count rows", purged)
			}
		case <-s.stopChan:
			log.Println("Request count purge scheduler stopped")
			return
		case <-ctx.Done():
			log.Println("Request count purge scheduler stopped due to context cancellation")
			return
		}
	}
}

func (s *RequestCountPurgeScheduler) Stop() {
	close(s.stopChan)
}
