package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unitedctf/instancer/internal/bus"
	"github.com/unitedctf/instancer/internal/catalog"
	"github.com/unitedctf/instancer/internal/config"
	"github.com/unitedctf/instancer/internal/metrics"
	"github.com/unitedctf/instancer/internal/sentinel"
	"github.com/unitedctf/instancer/internal/store"
)

// ErrIllegalState is returned by Recover when a persisted instance carries a
// state outside the legal set. This indicates database corruption or a
// version mismatch and aborts startup.
const ErrIllegalState = sentinel.Error("instance row has illegal state")

// drainPollInterval caps the worker sleep once shutdown is underway, so the
// pool notices an emptied queue promptly instead of waiting out the next
// expiry delay.
const drainPollInterval = 50 * time.Millisecond

// NewPoolParams collects the collaborators of a worker pool.
type NewPoolParams struct {
	Store    *store.Store
	Catalog  catalog.Catalog
	Runner   *Runner
	Bus      *bus.Bus[Update]
	Metrics  *metrics.Metrics
	Messages config.Messages
	Workers  int
	Logger   *slog.Logger
}

// Pool owns the request queue, the expiry queue, and a fixed set of workers
// that drain requests by driving deployer scripts and recording the results
// in the store. All state shared between workers lives in the store (single
// source of truth, mutated through CAS transitions) and the expiry queue
// (one short-held mutex); workers themselves are stateless.
type Pool struct {
	store    *store.Store
	catalog  catalog.Catalog
	runner   *Runner
	queue    *RequestQueue
	expiries *ExpiryQueue
	bus      *bus.Bus[Update]
	metrics  *metrics.Metrics
	messages config.Messages
	workers  int
	log      *slog.Logger
}

// NewPool creates a Pool. Panics if Workers < 1 or any collaborator is nil;
// invalid wiring is a programmer error caught at construction.
func NewPool(p NewPoolParams) *Pool {
	if p.Workers < 1 {
		panic(fmt.Sprintf("deploy: NewPool workers must be at least 1, got %d", p.Workers))
	}
	if p.Store == nil || p.Runner == nil || p.Bus == nil || p.Metrics == nil {
		panic("deploy: NewPool requires store, runner, bus and metrics")
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		store:    p.Store,
		catalog:  p.Catalog,
		runner:   p.Runner,
		queue:    NewRequestQueue(),
		expiries: NewExpiryQueue(),
		bus:      p.Bus,
		metrics:  p.Metrics,
		messages: p.Messages,
		workers:  p.Workers,
		log:      log.With("component", "deploy"),
	}
}

// Enqueue submits a request to the worker pool.
func (p *Pool) Enqueue(req Request) {
	p.queue.Enqueue(req)
}

// PushTTL schedules (or reschedules) the automatic stop for the key. Used by
// the workers after a successful start and by the gateway after a TTL
// extension.
func (p *Pool) PushTTL(userID, challengeID string, stopTime int64) {
	p.expiries.Push(userID, challengeID, stopTime)
}

// Recover reconciles persisted state from a previous process. Transient
// (queued) rows could only have survived a crash mid-action, so each gets a
// cleanup request; running rows re-enter the expiry queue with their stored
// stop time. Must be called once, before Run.
func (p *Pool) Recover(ctx context.Context) error {
	instances, err := p.store.ListAllInstances(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	for _, inst := range instances {
		switch {
		case inst.State.IsQueued():
			p.log.Info("recovering interrupted instance",
				"user", inst.UserID, "challenge", inst.ChallengeID, "state", inst.State)
			p.queue.Enqueue(Request{
				UserID:      inst.UserID,
				ChallengeID: inst.ChallengeID,
				Command:     CommandCleanup,
			})
		case inst.State == store.StateRunning:
			if inst.StopTime == nil {
				return fmt.Errorf("recover %s/%s: running row without stop time: %w",
					inst.UserID, inst.ChallengeID, ErrIllegalState)
			}
			p.expiries.Push(inst.UserID, inst.ChallengeID, *inst.StopTime)
		default:
			return fmt.Errorf("recover %s/%s: state %q: %w",
				inst.UserID, inst.ChallengeID, inst.State, ErrIllegalState)
		}
	}

	if err := p.refreshRunningGauge(ctx); err != nil {
		return err
	}
	return nil
}

// Run starts the configured number of workers and blocks until they all
// exit. Cancelling ctx begins shutdown: workers stop picking up expiries
// and return once the request queue has drained, so pending cleanups and
// user-initiated stops still complete. A worker error (store I/O failure or
// an unreclaimable cleanup) aborts the whole pool.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error { return p.runWorker(ctx, i) })
	}
	err := g.Wait()
	p.queue.Close()
	return err
}

// runWorker is the per-worker loop: reap due expiries, then wait for
// shutdown, the next expiry deadline, or a request.
func (p *Pool) runWorker(ctx context.Context, id int) error {
	log := p.log.With("worker", id)
	log.Debug("worker started")

	for {
		cancelled := ctx.Err() != nil
		if !cancelled {
			if err := p.reapExpired(ctx); err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			cancelled = ctx.Err() != nil
		}

		if cancelled && p.queue.Len() == 0 {
			log.Debug("worker drained, exiting")
			return nil
		}

		var wait time.Duration
		if cancelled {
			// Expiries are no longer reaped; poll only for the queue to
			// empty.
			wait = drainPollInterval
		} else {
			wait = p.expiries.UntilNext(time.Now().UnixMilli())
		}
		timer := time.NewTimer(wait)

		if cancelled {
			select {
			case req := <-p.queue.Out():
				timer.Stop()
				if err := p.handle(ctx, req, log); err != nil {
					return fmt.Errorf("worker %d: %w", id, err)
				}
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		case req := <-p.queue.Out():
			timer.Stop()
			if err := p.handle(ctx, req, log); err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
		}
	}
}

// reapExpired pops every due expiry and, for each one whose instance is
// still running, transitions it to queued_stop and enqueues the stop. The
// CAS makes expiry racing a concurrent user stop harmless: only one path
// can win the Running -> QueuedStop transition.
func (p *Pool) reapExpired(ctx context.Context) error {
	// Store calls run outside the expiry lock and must survive shutdown
	// cancellation; the queue drain depends on them.
	sctx := context.WithoutCancel(ctx)

	for _, e := range p.expiries.PopExpired(time.Now().UnixMilli()) {
		ok, err := p.store.TransitionState(sctx, e.UserID, e.ChallengeID,
			store.StateRunning, store.StateQueuedStop)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		p.log.Info("instance ttl expired", "user", e.UserID, "challenge", e.ChallengeID)
		p.metrics.Expirations.Inc()
		p.queue.Enqueue(Request{
			UserID:      e.UserID,
			ChallengeID: e.ChallengeID,
			Command:     CommandStop,
		})
		p.bus.Publish(stateUpdate(e.UserID, e.ChallengeID, store.StateQueuedStop))
	}
	return nil
}

// refreshRunningGauge recomputes the running-instances gauge from the store.
func (p *Pool) refreshRunningGauge(ctx context.Context) error {
	n, err := p.store.CountRunning(ctx)
	if err != nil {
		return err
	}
	p.metrics.RunningInstances.Set(float64(n))
	return nil
}

// handle dispatches one request. Requests for challenges that were dropped
// from the catalog are discarded. Every handled request publishes exactly
// two updates: a StateChange, then a user-visible Message.
func (p *Pool) handle(ctx context.Context, req Request, log *slog.Logger) error {
	ch, ok := p.catalog[req.ChallengeID]
	if !ok {
		log.Debug("dropping request for unknown challenge", "challenge", req.ChallengeID)
		return nil
	}

	// Handlers keep working during shutdown drain; see runWorker.
	sctx := context.WithoutCancel(ctx)

	var stateChange, message Update
	var err error
	switch req.Command {
	case CommandStart:
		stateChange, message, err = p.handleStart(sctx, req, ch, log)
	case CommandStop:
		stateChange, message, err = p.handleStop(sctx, req, ch, log)
	case CommandRestart:
		stateChange, message, err = p.handleRestart(sctx, req, ch, log)
	case CommandCleanup:
		stateChange, message, err = p.handleCleanup(sctx, req, ch, log)
	default:
		return fmt.Errorf("unknown command %d", req.Command)
	}
	if err != nil {
		return err
	}

	p.bus.Publish(stateChange)
	p.bus.Publish(message)
	return nil
}

// scheduleCleanup enqueues the reconciling cleanup for a failed action.
func (p *Pool) scheduleCleanup(req Request) {
	p.queue.Enqueue(Request{
		UserID:      req.UserID,
		ChallengeID: req.ChallengeID,
		Command:     CommandCleanup,
	})
}

func (p *Pool) handleStart(ctx context.Context, req Request, ch *catalog.Challenge, log *slog.Logger) (Update, Update, error) {
	details, err := p.runner.Run(ch, req.UserID, CommandStart)
	if err != nil {
		log.Error("couldn't start challenge", "challenge", ch.ID, "user", req.UserID, "error", err)
		p.metrics.Deployments.WithLabelValues("start", "error").Inc()
		p.scheduleCleanup(req)

		// The row stays in queued_start; the cleanup resolves it.
		return stateUpdate(req.UserID, req.ChallengeID, store.StateQueuedStart),
			messageUpdate(req.UserID, req.ChallengeID,
				fmt.Sprintf(p.messages.StartFailure, ch.Name), SeverityError),
			nil
	}

	log.Info("started challenge", "challenge", ch.ID, "user", req.UserID)
	p.metrics.Deployments.WithLabelValues("start", "ok").Inc()

	stopTime := time.Now().Add(ch.TTLDuration()).UnixMilli()
	p.expiries.Push(req.UserID, req.ChallengeID, stopTime)
	if err := p.store.PopulateRunning(ctx, req.UserID, req.ChallengeID, details, stopTime); err != nil {
		return Update{}, Update{}, err
	}
	if err := p.refreshRunningGauge(ctx); err != nil {
		return Update{}, Update{}, err
	}

	running := Update{
		UserID:      req.UserID,
		ChallengeID: req.ChallengeID,
		StateChange: &StateChange{State: store.StateRunning, Details: &details, StopTime: &stopTime},
	}
	return running,
		messageUpdate(req.UserID, req.ChallengeID,
			fmt.Sprintf(p.messages.StartSuccess, ch.Name), SeveritySuccess),
		nil
}

func (p *Pool) handleStop(ctx context.Context, req Request, ch *catalog.Challenge, log *slog.Logger) (Update, Update, error) {
	if _, err := p.runner.Run(ch, req.UserID, CommandStop); err != nil {
		log.Error("couldn't stop challenge", "challenge", ch.ID, "user", req.UserID, "error", err)
		p.metrics.Deployments.WithLabelValues("stop", "error").Inc()
		p.scheduleCleanup(req)

		return stateUpdate(req.UserID, req.ChallengeID, store.StateQueuedStop),
			messageUpdate(req.UserID, req.ChallengeID,
				fmt.Sprintf(p.messages.StopFailure, ch.Name), SeverityError),
			nil
	}

	log.Info("stopped challenge", "challenge", ch.ID, "user", req.UserID)
	p.metrics.Deployments.WithLabelValues("stop", "ok").Inc()

	p.expiries.PopKey(req.UserID, req.ChallengeID)
	if err := p.store.DeleteInstance(ctx, req.UserID, req.ChallengeID); err != nil {
		return Update{}, Update{}, err
	}
	if err := p.refreshRunningGauge(ctx); err != nil {
		return Update{}, Update{}, err
	}

	return stateUpdate(req.UserID, req.ChallengeID, store.StateStopped),
		messageUpdate(req.UserID, req.ChallengeID,
			fmt.Sprintf(p.messages.StopSuccess, ch.Name), SeveritySuccess),
		nil
}

func (p *Pool) handleRestart(ctx context.Context, req Request, ch *catalog.Challenge, log *slog.Logger) (Update, Update, error) {
	if _, err := p.runner.Run(ch, req.UserID, CommandRestart); err != nil {
		log.Error("couldn't restart challenge", "challenge", ch.ID, "user", req.UserID, "error", err)
		p.metrics.Deployments.WithLabelValues("restart", "error").Inc()
		p.scheduleCleanup(req)

		return stateUpdate(req.UserID, req.ChallengeID, store.StateQueuedRestart),
			messageUpdate(req.UserID, req.ChallengeID,
				fmt.Sprintf(p.messages.RestartFailure, ch.Name), SeverityError),
			nil
	}

	log.Info("restarted challenge", "challenge", ch.ID, "user", req.UserID)
	p.metrics.Deployments.WithLabelValues("restart", "ok").Inc()

	// Details and stop time are unchanged; only the state flips back.
	if err := p.store.SetState(ctx, req.UserID, req.ChallengeID, store.StateRunning); err != nil {
		return Update{}, Update{}, err
	}

	return stateUpdate(req.UserID, req.ChallengeID, store.StateRunning),
		messageUpdate(req.UserID, req.ChallengeID,
			fmt.Sprintf(p.messages.RestartSuccess, ch.Name), SeveritySuccess),
		nil
}

func (p *Pool) handleCleanup(ctx context.Context, req Request, ch *catalog.Challenge, log *slog.Logger) (Update, Update, error) {
	if _, err := p.runner.Run(ch, req.UserID, CommandCleanup); err != nil {
		// An instance that cannot be cleaned up is unreclaimable without
		// operator intervention: abort the worker and surface a shutdown.
		p.metrics.Deployments.WithLabelValues("cleanup", "error").Inc()
		log.Error("couldn't clean up challenge; manual intervention required",
			"challenge", ch.ID, "user", req.UserID, "error", err)
		return Update{}, Update{}, fmt.Errorf("clean up challenge %s for user %s: %w",
			ch.ID, req.UserID, err)
	}

	log.Info("cleaned up challenge", "challenge", ch.ID, "user", req.UserID)
	p.metrics.Deployments.WithLabelValues("cleanup", "ok").Inc()

	p.expiries.PopKey(req.UserID, req.ChallengeID)
	if err := p.store.DeleteInstance(ctx, req.UserID, req.ChallengeID); err != nil {
		return Update{}, Update{}, err
	}
	if err := p.refreshRunningGauge(ctx); err != nil {
		return Update{}, Update{}, err
	}

	return stateUpdate(req.UserID, req.ChallengeID, store.StateStopped),
		messageUpdate(req.UserID, req.ChallengeID,
			fmt.Sprintf(p.messages.CleanupDone, ch.Name), SeverityInfo),
		nil
}
