// Package endurance maintains a target concurrency of replay sessions for a
// bounded wall-clock window: workers ramp up at a staggered cadence, restart
// sessions in place while the window is open, then drain.
package endurance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rstudio/shinycannon/internal/config"
	"github.com/rstudio/shinycannon/internal/player"
	"github.com/rstudio/shinycannon/internal/stats"
)

const statsInterval = 5 * time.Second

// Orchestrator runs the worker pool. Workers share nothing but the stop
// flag, the session counter, the stats counter and the two latches.
type Orchestrator struct {
	cfg            *config.Config
	events         []player.Event
	warmupInterval time.Duration
	headerComments []string
	logger         *log.Logger

	stats       *stats.Counter
	keepWorking atomic.Bool
	sessionNum  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an orchestrator over a loaded event sequence.
// headerComments are replicated into every session CSV.
func New(cfg *config.Config, events []player.Event, warmupInterval time.Duration, headerComments []string, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		events:         events,
		warmupInterval: warmupInterval,
		headerComments: headerComments,
		logger:         logger,
		stats:          stats.New(),
		stopCh:         make(chan struct{}),
	}
}

// Stats exposes the shared counter, for the final summary and for tests.
func (o *Orchestrator) Stats() *stats.Counter {
	return o.stats
}

// Stop cuts the loaded window short and asks workers to drain at their next
// session boundary. Safe to call from a signal handler while Run is in
// flight.
func (o *Orchestrator) Stop() {
	o.keepWorking.Store(false)
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Run ramps up the workers, holds the load for the configured duration and
// blocks until every worker has drained.
func (o *Orchestrator) Run() {
	loaded := time.Duration(o.cfg.LoadedDurationMinutes * float64(time.Minute))
	// Without a loaded window every worker plays the recording exactly once.
	o.keepWorking.Store(loaded > 0)

	var warmup, finished sync.WaitGroup
	warmup.Add(o.cfg.Workers)
	finished.Add(o.cfg.Workers)

	stopTicker := make(chan struct{})
	go o.showStats(stopTicker)

	for w := 0; w < o.cfg.Workers; w++ {
		go func(worker int) {
			defer finished.Done()
			time.Sleep(time.Duration(worker) * o.warmupInterval)
			warmup.Done()

			iteration := 0
			for first := true; first || o.keepWorking.Load(); first = false {
				o.runSession(worker, iteration)
				iteration++
			}
			o.logger.Debug("worker drained", "worker", worker, "iterations", iteration)
		}(w)
	}

	warmup.Wait()
	o.logger.Info("all workers started", "workers", o.cfg.Workers)

	if loaded > 0 {
		select {
		case <-time.After(loaded):
		case <-o.stopCh:
		}
	}
	o.keepWorking.Store(false)

	finished.Wait()
	close(stopTicker)
	o.logger.Info("all workers finished", "stats", o.stats.String())
}

func (o *Orchestrator) runSession(worker, iteration int) {
	id := o.sessionNum.Add(1) - 1
	s, err := player.New(player.Params{
		SessionID:      id,
		WorkerID:       worker,
		Iteration:      iteration,
		AppURL:         o.cfg.AppURL,
		User:           o.cfg.User,
		Pass:           o.cfg.Pass,
		OutputDir:      o.cfg.OutputDir,
		HeaderComments: o.headerComments,
		Stats:          o.stats,
		Logger:         o.logger.With("worker", worker),
	})
	if err != nil {
		o.logger.Error("failed to create session", "worker", worker, "iteration", iteration, "error", err)
		o.stats.Failed()
		return
	}
	s.Play(o.events, 0)
}

func (o *Orchestrator) showStats(stop <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.logger.Info(o.stats.String())
		}
	}
}
