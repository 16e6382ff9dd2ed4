/*
worker.go - Background compute execution and the supervisory sweep

PURPOSE:
  Computation is a background job, not inline request handling. A small
  worker pool pulls queued run IDs and processes each to completion or
  failure independently; scope exclusivity comes from the store's
  compare-and-set, not from the pool.

  The sweeper reclaims abandoned runs: a run left in computing past the
  timeout (crashed worker, killed process) is marked failed so a new
  attempt can start. There is no mid-run cancellation - a swept run
  committed nothing visible.
*/
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerline/rollup-engine/engine"
)

// =============================================================================
// WORKER POOL
// =============================================================================

// ErrQueueFull is returned when the compute queue cannot accept another
// run. Callers surface this rather than blocking the request.
var ErrQueueFull = errors.New("compute queue full")

type Worker struct {
	Orch    *Orchestrator
	Workers int
	Log     *logrus.Logger

	queue chan engine.RunID
	stop  chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
	on    bool
}

func NewWorker(orch *Orchestrator, workers, queueSize int) *Worker {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Worker{
		Orch:    orch,
		Workers: workers,
		Log:     orch.Log,
		queue:   make(chan engine.RunID, queueSize),
		stop:    make(chan struct{}),
	}
}

// Enqueue hands a draft run to the pool. Non-blocking.
func (w *Worker) Enqueue(id engine.RunID) error {
	select {
	case w.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.on {
		return
	}
	w.on = true

	for i := 0; i < w.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	w.Log.WithFields(logrus.Fields{"component": "worker", "workers": w.Workers}).Info("worker pool started")
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.on {
		return
	}
	w.on = false
	close(w.stop)
	w.wg.Wait()
	w.Log.WithField("component", "worker").Info("worker pool stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case id := <-w.queue:
			if err := w.Orch.Compute(context.Background(), id); err != nil {
				// Validation failures are already recorded on the run;
				// conflicts mean another run holds the scope.
				w.Log.WithFields(logrus.Fields{
					"component": "worker",
					"run_id":    id,
				}).WithError(err).Warn("compute did not complete")
			}
		}
	}
}

// =============================================================================
// SWEEPER - Reclaims abandoned computing runs
// =============================================================================

type Sweeper struct {
	Runs     engine.RunStore
	Timeout  time.Duration
	Interval time.Duration
	Log      *logrus.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(runs engine.RunStore, log *logrus.Logger) *Sweeper {
	if log == nil {
		log = logrus.New()
	}
	return &Sweeper{
		Runs:     runs,
		Timeout:  30 * time.Minute,
		Interval: 1 * time.Minute,
		Log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.loop()
	s.Log.WithFields(logrus.Fields{
		"component": "sweeper",
		"interval":  s.Interval.String(),
		"timeout":   s.Timeout.String(),
	}).Info("sweeper started")
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep marks runs stuck in computing past the timeout as failed so a
// new attempt can claim the scope.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.Timeout)
	stale, err := s.Runs.StaleComputing(ctx, cutoff)
	if err != nil {
		s.Log.WithField("component", "sweeper").WithError(err).Error("stale-run query failed")
		return
	}
	for _, run := range stale {
		reason := fmt.Sprintf("abandoned: computing since %s exceeded timeout %s",
			run.StartedAt.Format(time.RFC3339), s.Timeout)
		if err := s.Runs.CompleteRun(ctx, run.ID, engine.RunFailed, reason, run.Warnings, time.Now().UTC()); err != nil {
			s.Log.WithFields(logrus.Fields{
				"component": "sweeper",
				"run_id":    run.ID,
			}).WithError(err).Error("failed to reclaim run")
			continue
		}
		s.Log.WithFields(logrus.Fields{
			"component": "sweeper",
			"run_id":    run.ID,
		}).Warn("reclaimed abandoned run")
	}
}
