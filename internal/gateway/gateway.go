package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/unitedctf/instancer/internal/bus"
	"github.com/unitedctf/instancer/internal/catalog"
	"github.com/unitedctf/instancer/internal/config"
	"github.com/unitedctf/instancer/internal/deploy"
	"github.com/unitedctf/instancer/internal/metrics"
	"github.com/unitedctf/instancer/internal/sentinel"
	"github.com/unitedctf/instancer/internal/store"
)

// ErrUnknownChallenge is returned by Handle when a client references a
// challenge id outside the catalog. The session is closed; a well-behaved
// frontend never sends ids it was not listed.
const ErrUnknownChallenge = sentinel.Error("unknown challenge id")

// ErrBadFrame is returned by Handle for frames with an unknown type or
// action. The session is closed.
const ErrBadFrame = sentinel.Error("malformed client frame")

// readTimeout is how long a session may stay silent before it is dropped.
// Clients refresh it with heartbeat frames.
const readTimeout = 90 * time.Second

// NewGatewayParams collects the collaborators of a Gateway.
type NewGatewayParams struct {
	Store    *store.Store
	Catalog  catalog.Catalog
	Pool     *deploy.Pool
	Bus      *bus.Bus[deploy.Update]
	Metrics  *metrics.Metrics
	Messages config.Messages
	Settings config.Settings
	Logger   *slog.Logger
}

// Gateway holds the shared state of all websocket sessions: each session is
// a single Handle call, and sessions of the same user share that user's
// token bucket.
type Gateway struct {
	store    *store.Store
	catalog  catalog.Catalog
	pool     *deploy.Pool
	bus      *bus.Bus[deploy.Update]
	metrics  *metrics.Metrics
	messages config.Messages
	settings config.Settings
	log      *slog.Logger

	// limiters holds one token bucket per user id, created on first use.
	// The limit is per user, not per session: a user opening more tabs
	// must not multiply their action budget.
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewGateway creates a Gateway. Panics when a collaborator is missing.
func NewGateway(p NewGatewayParams) *Gateway {
	if p.Store == nil || p.Pool == nil || p.Bus == nil || p.Metrics == nil {
		panic("gateway: NewGateway requires store, pool, bus and metrics")
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		store:    p.Store,
		catalog:  p.Catalog,
		pool:     p.Pool,
		bus:      p.Bus,
		metrics:  p.Metrics,
		messages: p.Messages,
		settings: p.Settings,
		log:      log.With("component", "gateway"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the user's shared token bucket, creating it on first
// use.
func (g *Gateway) limiterFor(userID string) *rate.Limiter {
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()

	l, ok := g.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.settings.RateLimitInterval), g.settings.RateLimitBurst)
		g.limiters[userID] = l
	}
	return l
}

// session is the per-connection state. All writes to the connection happen
// on the goroutine running Handle, so no write lock is needed.
type session struct {
	g       *Gateway
	conn    *websocket.Conn
	userID  string
	limiter *rate.Limiter
	log     *slog.Logger

	// draining flips once shutdown is observed; further actions are
	// discarded while updates keep flowing until the connection closes.
	draining bool
}

// Handle runs one authenticated websocket session until the client
// disconnects, the bus closes, or the client violates the protocol. The
// caller owns the connection and closes it after Handle returns.
//
// Cancelling ctx puts the session into draining mode rather than ending it:
// in-flight deployments keep reporting their results to the user while the
// worker pool drains.
func (g *Gateway) Handle(ctx context.Context, conn *websocket.Conn, userID string) error {
	g.metrics.ActiveSessions.Inc()
	defer g.metrics.ActiveSessions.Dec()

	s := &session{
		g:       g,
		conn:    conn,
		userID:  userID,
		limiter: g.limiterFor(userID),
		log:     g.log.With("user", userID),
	}
	s.log.Debug("session opened")
	defer s.log.Debug("session closed")

	// Subscribe before listing so no update between the two is lost.
	sub := g.bus.Subscribe()
	defer sub.Close()

	listing, err := s.buildListing(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(listing); err != nil {
		return fmt.Errorf("write listing: %w", err)
	}

	inbound := make(chan inboundFrame)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			var f inboundFrame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- f:
			case <-done:
				return
			}
		}
	}()

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			s.draining = true
			ctxDone = nil

		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)

		case f := <-inbound:
			if err := s.handleFrame(ctx, f); err != nil {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
				return err
			}

		case u, ok := <-sub.C():
			if !ok {
				return nil
			}
			if u.UserID != userID {
				continue
			}
			if err := conn.WriteJSON(updateFrame(u)); err != nil {
				return fmt.Errorf("write update: %w", err)
			}
		}
	}
}

// buildListing merges the catalog with the user's persisted instances.
// Challenges without an instance are listed as stopped.
func (s *session) buildListing(ctx context.Context) (listingFrame, error) {
	instances, err := s.g.store.ListUserInstances(ctx, s.userID)
	if err != nil {
		return listingFrame{}, err
	}
	byChallenge := make(map[string]*store.Instance, len(instances))
	for i := range instances {
		byChallenge[instances[i].ChallengeID] = &instances[i]
	}

	entries := make(map[string]challengeEntry, len(s.g.catalog))
	for id, ch := range s.g.catalog {
		entry := challengeEntry{
			ID:          id,
			Name:        ch.Name,
			Description: ch.Description,
			TTL:         ch.TTL,
			State:       store.StateStopped,
		}
		if inst, ok := byChallenge[id]; ok {
			entry.State = inst.State
			entry.Details = inst.Details
			entry.StopTime = inst.StopTime
		}
		entries[id] = entry
	}

	return listingFrame{Type: frameChallengeListing, Challenges: entries}, nil
}

// handleFrame dispatches one inbound frame. A non-nil error ends the
// session.
func (s *session) handleFrame(ctx context.Context, f inboundFrame) error {
	switch f.Type {
	case frameHeartbeat:
		return s.conn.WriteJSON(heartbeatFrame{Type: frameHeartbeat})
	case frameChallengeAction:
		return s.handleAction(ctx, f)
	default:
		return fmt.Errorf("frame type %q: %w", f.Type, ErrBadFrame)
	}
}

func (s *session) handleAction(ctx context.Context, f inboundFrame) error {
	ch, ok := s.g.catalog[f.ChallengeID]
	if !ok {
		return fmt.Errorf("challenge %q: %w", f.ChallengeID, ErrUnknownChallenge)
	}

	if s.draining {
		s.log.Debug("discarding action during shutdown", "challenge", ch.ID, "action", f.Action)
		return nil
	}

	if res := s.limiter.Reserve(); res.Delay() > 0 {
		res.Cancel()
		s.g.metrics.RateLimited.Inc()
		wait := int64(math.Ceil(res.Delay().Seconds()))
		return s.conn.WriteJSON(messageFrame{
			Type:        frameMessage,
			ChallengeID: ch.ID,
			Contents:    fmt.Sprintf(s.g.messages.RateLimited, wait),
			Severity:    deploy.SeverityWarning,
		})
	}

	// Store writes must finish even if shutdown starts mid-action; the
	// enqueued request is drained either way.
	sctx := context.WithoutCancel(ctx)

	switch f.Action {
	case actionStart:
		return s.startChallenge(sctx, ch)
	case actionStop:
		return s.queueTransition(sctx, ch, store.StateQueuedStop, deploy.CommandStop)
	case actionRestart:
		return s.queueTransition(sctx, ch, store.StateQueuedRestart, deploy.CommandRestart)
	case actionExtend:
		return s.extendChallenge(sctx, ch)
	default:
		return fmt.Errorf("action %q: %w", f.Action, ErrBadFrame)
	}
}

// startChallenge reserves an instance slot and queues the start. The
// queued_start broadcast goes through the bus so the user's other sessions
// see it too.
func (s *session) startChallenge(ctx context.Context, ch *catalog.Challenge) error {
	res, err := s.g.store.InsertInstance(ctx, s.userID, ch.ID,
		store.StateQueuedStart, s.g.settings.MaxConcurrentChallenges)
	if err != nil {
		return err
	}

	switch res {
	case store.Inserted:
		s.log.Info("queueing start", "challenge", ch.ID)
		s.g.bus.Publish(deploy.Update{
			UserID:      s.userID,
			ChallengeID: ch.ID,
			StateChange: &deploy.StateChange{State: store.StateQueuedStart},
		})
		s.g.pool.Enqueue(deploy.Request{
			UserID:      s.userID,
			ChallengeID: ch.ID,
			Command:     deploy.CommandStart,
		})
		return nil

	case store.AlreadyExists:
		// Double click or a second session racing; the instance is already
		// on its way.
		return nil

	case store.LimitReached:
		return s.conn.WriteJSON(messageFrame{
			Type:        frameMessage,
			ChallengeID: ch.ID,
			Contents:    fmt.Sprintf(s.g.messages.LimitReached, s.g.settings.MaxConcurrentChallenges),
			Severity:    deploy.SeverityWarning,
		})

	default:
		return fmt.Errorf("unexpected insert result %s", res)
	}
}

// queueTransition CASes the instance from running into the queued state and
// enqueues the matching request. A failed CAS means the instance is not
// running anymore (already queued, or expired concurrently) and the action
// is silently dropped.
func (s *session) queueTransition(ctx context.Context, ch *catalog.Challenge, to store.State, cmd deploy.Command) error {
	ok, err := s.g.store.TransitionState(ctx, s.userID, ch.ID, store.StateRunning, to)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("dropping action, instance not running", "challenge", ch.ID, "action", cmd.String())
		return nil
	}

	s.log.Info("queueing action", "challenge", ch.ID, "action", cmd.String())
	s.g.bus.Publish(deploy.Update{
		UserID:      s.userID,
		ChallengeID: ch.ID,
		StateChange: &deploy.StateChange{State: to},
	})
	s.g.pool.Enqueue(deploy.Request{
		UserID:      s.userID,
		ChallengeID: ch.ID,
		Command:     cmd,
	})
	return nil
}

// extendChallenge pushes the instance's stop time a full TTL into the
// future. A no-op when the instance is not running, which covers the race
// with a concurrent TTL expiry.
func (s *session) extendChallenge(ctx context.Context, ch *catalog.Challenge) error {
	stopTime := time.Now().Add(ch.TTLDuration()).UnixMilli()
	ok, err := s.g.store.ExtendInstance(ctx, s.userID, ch.ID, stopTime)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("dropping extend, instance not running", "challenge", ch.ID)
		return nil
	}

	s.log.Info("extended instance", "challenge", ch.ID)
	s.g.pool.PushTTL(s.userID, ch.ID, stopTime)
	s.g.bus.Publish(deploy.Update{
		UserID:      s.userID,
		ChallengeID: ch.ID,
		StateChange: &deploy.StateChange{State: store.StateRunning, StopTime: &stopTime},
	})
	s.g.bus.Publish(deploy.Update{
		UserID:      s.userID,
		ChallengeID: ch.ID,
		Message: &deploy.Message{
			Contents: fmt.Sprintf(s.g.messages.ExtendSuccess, ch.Name),
			Severity: deploy.SeveritySuccess,
		},
	})
	return nil
}
