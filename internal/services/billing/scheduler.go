package billing

import (
	"context"
	"log"
	"time"
)

// OverageScheduler periodically charges the overage of the billing period
// that most recently closed. Runs are idempotent because invoiced records
// are skipped.
type OverageScheduler struct {
	overageService *OverageService
	interval       time.Duration
	stopChan       chan struct{}
}

func NewOverageScheduler(overageService *OverageService, interval time.Duration) *OverageScheduler {
	if interval == 0 {
		interval = 1 * time.Hour
	}
	return &OverageScheduler{
		overageService: overageService,
		interval:       interval,
		stopChan:       make(chan struct{}),
	}
}

func (s *OverageScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Overage scheduler started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			periodStart := previousPeriodStart(time.Now().UTC())
			result, err := s.overageService.ProcessMonthlyOverage(ctx, periodStart)
			if err != nil {
				log.Printf("Error processing monthly overage: %v", err)
				continue
			}
			if result.Processed > 0 {
				log.Printf("Processed %d overage records, charged %d ($%.2f)",
					result.Processed, result.Charged, float64(result.TotalCents)/100)
			}
		case <-s.stopChan:
			log.Println("Overage scheduler stopped")
			return
		case <-ctx.Done():
			log.Println("Overage scheduler stopped due to context cancellation")
			return
		}
	}
}

func (s *OverageScheduler) Stop() {
	close(s.stopChan)
}

func previousPeriodStart(now time.Time) time.Time {
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, -1, 0)
}
