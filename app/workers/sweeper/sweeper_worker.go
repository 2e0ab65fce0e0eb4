// Run every minute to close abandoned flows and settle stuck payments
package sweeper

import (
	"context"
	"time"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/workers"

	log "github.com/sirupsen/logrus"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweeperFunc adapts a plain function, e.g. engine.SweepStale.
type SweeperFunc func(ctx context.Context) (int, error)

func (f SweeperFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

var (
	WORKER   *workers.Worker
	Sessions Sweeper
	Payments Sweeper
)

func Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
	defer cancel()
	sweep(ctx, "sessions", Sessions)
	sweep(ctx, "payments", Payments)
}

func sweep(ctx context.Context, name string, s Sweeper) {
	if s == nil {
		return
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		log.Errorf("[sweeper] failed to sweep %s: %s", name, err)
		if WORKER != nil {
			WORKER.Alert("sweeping " + name + " failed: " + err.Error())
		}
		return
	}
	config.Metrics().Gauge("sweeper_worker."+name, float64(n), nil, 1)
	if n > 0 {
		log.Infof("[sweeper] swept %d %s", n, name)
	}
}
