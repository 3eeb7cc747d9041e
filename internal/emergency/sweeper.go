package emergency

import (
	"context"
	"time"

	"curamed.org/internal/obs"
)

// Sweeper periodically expires overdue grants in the background. A failed
// sweep is logged and retried on the next tick.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, interval: interval}
}

// Run blocks until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := s.service.AutoRevokeExpired(ctx)
			if err != nil {
				obs.CountSweep("emergency", "error", 0)
				obs.Logger().Printf(`{"event":"emergency.sweep_failed","error":%q}`, err.Error())
				continue
			}
			obs.CountSweep("emergency", "ok", len(ids))
		}
	}
}
