/*
scheduler.go - Background expiry of stale transitions

PURPOSE:
  Periodically expires open transition requests older than the rollback
  window and deletes unused checkpoints past their expiry.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each sweep calls transition.Service.ExpireStale with the current time
  - Expiry is also evaluated lazily on confirm and rollback, so a stopped
    sweeper never lets an expired checkpoint be used

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 15 minutes)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirySweeper(service, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - transition/service.go: ExpireStale
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/sale-transition/generic"
	"github.com/warp/sale-transition/transition"
)

// ExpirySweeper handles automated expiry of stale transitions.
type ExpirySweeper struct {
	Service       *transition.Service
	CheckInterval time.Duration
	Enabled       bool
	Clock         generic.Clock
	Logger        logrus.FieldLogger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a new sweeper.
func NewExpirySweeper(service *transition.Service, logger logrus.FieldLogger) *ExpirySweeper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ExpirySweeper{
		Service:       service,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		Logger:        logger.WithField("component", "sweeper"),
	}
}

// Start begins the sweeper.
func (es *ExpirySweeper) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.Logger.Info("disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.stop = make(chan struct{})
	es.wg.Add(1)

	go es.run()

	es.Logger.WithField("interval", es.CheckInterval.String()).Info("started")
}

// Stop stops the sweeper and waits for an in-progress sweep.
func (es *ExpirySweeper) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		es.ticker = nil
		es.Logger.Info("stopped")
	}
}

func (es *ExpirySweeper) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.Sweep(context.Background())

	for {
		select {
		case <-es.ticker.C:
			es.Sweep(context.Background())
		case <-es.stop:
			return
		}
	}
}

// Sweep runs one expiry pass and returns the number of requests expired.
func (es *ExpirySweeper) Sweep(ctx context.Context) int {
	n, err := es.Service.ExpireStale(ctx, es.Clock.Now())
	if err != nil {
		es.Logger.WithError(err).Error("sweep failed")
	}
	return n
}
