// Package silo hosts actor activations: it creates them on first message
// via registered factories, serializes their turns through per-activation
// mailboxes, routes envelopes between silos using placement over the
// membership ring, and deactivates idle activations.
package silo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/baselib/actor"
	"github.com/roasbeef/lattice/internal/deadletter"
	"github.com/roasbeef/lattice/internal/dispatch"
	"github.com/roasbeef/lattice/internal/mailbox"
	"github.com/roasbeef/lattice/internal/membership"
	"github.com/roasbeef/lattice/internal/metrics"
	"github.com/roasbeef/lattice/internal/placement"
	"github.com/roasbeef/lattice/internal/supervisor"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/roasbeef/lattice/internal/wire"
)

const (
	// DefaultIdleTimeout is how long an activation may sit quiet before
	// the idle scanner deactivates it.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultCheckInterval is the idle scanner cadence.
	DefaultCheckInterval = time.Minute

	// DefaultDeactivateTimeout bounds a single deactivation: mailbox
	// drain plus the OnDeactivate hook.
	DefaultDeactivateTimeout = 10 * time.Second
)

// MailboxOptions is the per-type mailbox tuning applied to new
// activations.
type MailboxOptions struct {
	// Capacity is the initial queue bound.
	Capacity int

	// FullMode picks the behavior when the queue is full.
	FullMode mailbox.FullMode

	// Adaptive tunes occupancy-driven resizing.
	Adaptive mailbox.AdaptiveConfig

	// Breaker tunes the per-activation circuit breaker.
	Breaker mailbox.BreakerConfig

	// RateLimit tunes the per-activation rate limiter.
	RateLimit mailbox.RateLimitConfig

	// Retry tunes in-turn retry before dead-lettering.
	Retry deadletter.RetryPolicy
}

// Config tunes a silo.
type Config struct {
	// SiloID is this silo's cluster identity.
	SiloID string

	// IdleTimeout is how long an activation may sit quiet before
	// deactivation. Zero disables idle deactivation.
	IdleTimeout time.Duration

	// CheckInterval is the idle scanner cadence.
	CheckInterval time.Duration

	// MinimumActiveActors is a floor below which the idle scanner never
	// deactivates.
	MinimumActiveActors int

	// DeactivateTimeout bounds each deactivation's drain and hook.
	DeactivateTimeout time.Duration

	// Mailbox is the default mailbox tuning for every actor type.
	Mailbox MailboxOptions

	// MailboxOverrides replaces the default tuning per actor type.
	MailboxOverrides map[string]MailboxOptions

	// DeadLetter configures the silo-wide dead letter queue.
	DeadLetter deadletter.Config

	// Clock is swappable in tests.
	Clock func() time.Time
}

// DefaultConfig returns the silo defaults.
func DefaultConfig(siloID string) Config {
	return Config{
		SiloID:            siloID,
		IdleTimeout:       DefaultIdleTimeout,
		CheckInterval:     DefaultCheckInterval,
		DeactivateTimeout: DefaultDeactivateTimeout,
		DeadLetter:        deadletter.DefaultConfig(),
		Clock:             time.Now,
	}
}

// Silo owns the activation table for one process. It implements
// transport.Receiver so inbound envelopes flow through the same path as
// local short-circuited sends.
type Silo struct {
	cfg Config

	factories   *FactoryRegistry
	dispatchers *dispatch.Registry
	dlq         *deadletter.Queue

	// transport and members are optional; a silo without them serves
	// local traffic only.
	transport transport.Transport
	members   *membership.Registry
	policy    placement.Policy

	// cache memoizes placement decisions per identity; any membership
	// event drops it wholesale.
	cache *placement.Cache

	// unsubscribe cancels the membership event subscription.
	unsubscribe func()

	// super is the optional supervision tree over activations. superSeen
	// tracks which identities have been adopted so rebuilt activations
	// keep their restart history.
	super     *supervisor.Supervisor
	superSeen sync.Map

	// metrics is optional instrumentation.
	metrics *metrics.Metrics

	mu          sync.Mutex
	activations map[string]*activation
	stopped     bool

	// pending maps in-flight request message IDs to their response
	// promises, completed by the turn handler.
	pending sync.Map

	scanCtx    context.Context
	scanCancel context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a silo over the given registries.
func New(cfg Config, factories *FactoryRegistry,
	dispatchers *dispatch.Registry) *Silo {

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.DeactivateTimeout == 0 {
		cfg.DeactivateTimeout = DefaultDeactivateTimeout
	}

	scanCtx, scanCancel := context.WithCancel(context.Background())

	return &Silo{
		cfg:         cfg,
		factories:   factories,
		dispatchers: dispatchers,
		dlq:         deadletter.NewQueue(cfg.DeadLetter),
		activations: make(map[string]*activation),
		scanCtx:     scanCtx,
		scanCancel:  scanCancel,
	}
}

// SetTransport installs the inter-silo transport used for remote
// forwarding.
func (s *Silo) SetTransport(t transport.Transport) {
	s.transport = t
}

// SetMembership installs the cluster directory and placement policy used
// to route identities to silos. Decisions are cached per identity and the
// cache dropped on every membership event.
func (s *Silo) SetMembership(members *membership.Registry,
	policy placement.Policy) {

	s.members = members
	s.policy = policy
	s.cache = placement.NewCache(policy)
}

// SetSupervisor installs a supervision tree over this silo's activations.
// Every activation is adopted as a child; turn failures that exhaust their
// retries are reported as child failures, so the restart budget, backoff,
// and escalation discipline apply to activations. onEscalate receives
// failures that exceed the budget.
func (s *Silo) SetSupervisor(opts supervisor.Options,
	onEscalate func(identity string, failure error)) {

	s.super = supervisor.New(opts, nil, onEscalate)
}

// SetMetrics installs runtime instrumentation.
func (s *Silo) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// DeadLetters returns the silo-wide dead letter queue.
func (s *Silo) DeadLetters() *deadletter.Queue {
	return s.dlq
}

// Start launches the idle deactivation scanner.
func (s *Silo) Start() {
	s.startOnce.Do(func() {
		if s.cfg.IdleTimeout > 0 {
			s.wg.Add(1)
			go s.idleScanLoop()
		}

		if s.members != nil && s.cache != nil {
			events, cancel := s.members.Subscribe(16)
			s.unsubscribe = cancel

			s.wg.Add(1)
			go s.watchMembership(events)
		}

		log.InfoS(s.scanCtx, "Silo started",
			"silo_id", s.cfg.SiloID,
			"idle_timeout", s.cfg.IdleTimeout,
			"actor_types", s.factories.Types())
	})
}

// Stop deactivates every activation and halts the scanner. Each mailbox
// drains before its OnDeactivate hook runs.
func (s *Silo) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.scanCancel()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.wg.Wait()

		s.mu.Lock()
		s.stopped = true
		acts := make([]*activation, 0, len(s.activations))
		for _, act := range s.activations {
			acts = append(acts, act)
		}
		s.activations = make(map[string]*activation)
		s.mu.Unlock()

		for _, act := range acts {
			s.deactivate(ctx, act)
		}

		log.InfoS(ctx, "Silo stopped", "silo_id", s.cfg.SiloID)
	})
}

// Call invokes a method on an actor wherever the cluster places it,
// waiting for the response envelope.
func (s *Silo) Call(ctx context.Context, actorType, actorID,
	method string, payload []byte) (*wire.Envelope, error) {

	env := wire.NewRequest(actorType, actorID, method, payload)

	// Thread the caller's turn identity through for tracing.
	if ac := dispatch.FromContext(ctx); ac != nil {
		env.CorrelationID = ac.CorrelationID
	}

	owner := s.ownerOf(actorType, actorID)
	if owner == s.cfg.SiloID || s.transport == nil {
		resp, err := s.ReceiveEnvelope(ctx, env)
		if err != nil {
			return env.ErrorResponse(err), nil
		}

		return resp, nil
	}

	resp, err := s.transport.Send(ctx, owner, env)
	s.recordRemoteSend(owner, err)

	return resp, err
}

// recordRemoteSend feeds the remote send counter when metrics are wired.
func (s *Silo) recordRemoteSend(owner string, err error) {
	if s.metrics == nil {
		return
	}

	outcome := "ok"
	switch {
	case errors.Is(err, wire.ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}

	s.metrics.RecordRemoteSend(owner, outcome)
}

// Tell posts a one-way message to an actor wherever the cluster places
// it.
func (s *Silo) Tell(ctx context.Context, actorType, actorID,
	method string, payload []byte) error {

	env := wire.NewRequest(actorType, actorID, method, payload)

	owner := s.ownerOf(actorType, actorID)
	if owner == s.cfg.SiloID || s.transport == nil {
		return s.Post(ctx, env)
	}

	return s.transport.Tell(ctx, owner, env)
}

// Route delivers a prebuilt envelope one-way to wherever the cluster
// places its target, preserving the envelope's message identity. The
// outbox drainer uses it so the receiver's inbox sees the original
// message ID.
func (s *Silo) Route(ctx context.Context, env *wire.Envelope) error {
	owner := s.ownerOf(env.ActorType, env.ActorID)
	if owner == s.cfg.SiloID || s.transport == nil {
		return s.Post(ctx, env)
	}

	return s.transport.Tell(ctx, owner, env)
}

// ownerOf resolves which silo hosts an identity, consulting the decision
// cache so the hot path skips the policy. Without membership the local
// silo owns everything.
func (s *Silo) ownerOf(actorType, actorID string) string {
	if s.members == nil || s.cache == nil {
		return s.cfg.SiloID
	}

	owner, err := s.cache.GetOrCompute(
		actorType, actorID, s.members.CandidateIDs(),
	)
	if err != nil {
		// No candidates: serve locally rather than fail the call.
		return s.cfg.SiloID
	}

	return owner
}

// watchMembership drops the placement cache whenever the cluster view
// changes, since any join or leave can re-map an arbitrary subset of
// identities.
func (s *Silo) watchMembership(events <-chan membership.Event) {
	defer s.wg.Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}

			s.cache.Invalidate()

			log.DebugS(s.scanCtx, "Membership changed",
				"event", ev.Type.String(),
				"silo_id", ev.Silo.ID)

		case <-s.scanCtx.Done():
			return
		}
	}
}

// Owns reports whether this silo currently owns an identity under the
// ring. The reminder scanner uses it to fire only local reminders.
func (s *Silo) Owns(actorType, actorID string) bool {
	return s.ownerOf(actorType, actorID) == s.cfg.SiloID
}

// ReceiveEnvelope implements transport.Receiver: resolve the activation,
// post the envelope into its mailbox, and wait for the turn to complete.
func (s *Silo) ReceiveEnvelope(ctx context.Context,
	env *wire.Envelope) (*wire.Envelope, error) {

	act, err := s.getOrActivate(ctx, env.ActorType, env.ActorID)
	if err != nil {
		return nil, err
	}

	promise := actor.NewPromise[*wire.Envelope]()
	s.pending.Store(env.MessageID, promise)
	defer s.pending.Delete(env.MessageID)

	if err := act.mb.Post(ctx, env); err != nil {
		return nil, err
	}

	return promise.Future().Await(ctx).Unpack()
}

// PostEnvelope implements transport.AsyncReceiver: the envelope enters
// its mailbox before PostEnvelope returns, so a caller invoking it
// serially gets FIFO delivery, while the response is awaited off to the
// side on the returned channel.
func (s *Silo) PostEnvelope(ctx context.Context,
	env *wire.Envelope) (<-chan *wire.Envelope, error) {

	act, err := s.getOrActivate(ctx, env.ActorType, env.ActorID)
	if err != nil {
		return nil, err
	}

	promise := actor.NewPromise[*wire.Envelope]()
	s.pending.Store(env.MessageID, promise)

	if err := act.mb.Post(ctx, env); err != nil {
		s.pending.Delete(env.MessageID)
		return nil, err
	}

	respCh := make(chan *wire.Envelope, 1)
	go func() {
		defer s.pending.Delete(env.MessageID)

		resp, err := promise.Future().Await(ctx).Unpack()
		if err != nil {
			resp = env.ErrorResponse(err)
		}
		respCh <- resp
	}()

	return respCh, nil
}

// Post delivers an envelope into the owning activation's mailbox without
// waiting for the turn. Reminder firings and one-way tells use it.
func (s *Silo) Post(ctx context.Context, env *wire.Envelope) error {
	act, err := s.getOrActivate(ctx, env.ActorType, env.ActorID)
	if err != nil {
		return err
	}

	return act.mb.Post(ctx, env)
}

// getOrActivate returns the live activation for an identity, creating it
// on first use. At most one activation exists per identity; racing
// envelopes share the winner.
func (s *Silo) getOrActivate(ctx context.Context, actorType,
	actorID string) (*activation, error) {

	identity := actorType + ":" + actorID

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, mailbox.ErrStopped
	}

	act, ok := s.activations[identity]
	if !ok {
		act = &activation{
			actorType: actorType,
			actorID:   actorID,
			identity:  identity,
			createdAt: s.cfg.Clock(),
		}
		act.touch(act.createdAt)
		s.activations[identity] = act
	}
	s.mu.Unlock()

	act.init.Do(func() {
		act.initErr = s.buildActivation(ctx, act)
	})
	if act.initErr != nil {
		s.mu.Lock()
		if s.activations[identity] == act {
			delete(s.activations, identity)
		}
		s.mu.Unlock()

		return nil, act.initErr
	}

	return act, nil
}

// buildActivation runs the factory, the OnActivate hook, and starts the
// mailbox.
func (s *Silo) buildActivation(ctx context.Context, act *activation) error {
	factory, err := s.factories.Lookup(act.actorType)
	if err != nil {
		return err
	}

	target, err := factory(act.actorID)
	if err != nil {
		return fmt.Errorf("factory for %s failed: %w",
			act.identity, err)
	}
	act.target = target

	if hook, ok := target.(Activatable); ok {
		if err := hook.OnActivate(ctx); err != nil {
			return fmt.Errorf("OnActivate for %s failed: %w",
				act.identity, err)
		}
	}

	opts := s.mailboxOptionsFor(act.actorType)
	act.mb = mailbox.New(mailbox.Config{
		ActorID:   act.actorID,
		ActorType: act.actorType,
		Capacity:  opts.Capacity,
		FullMode:  opts.FullMode,
		Adaptive:  opts.Adaptive,
		Breaker:   opts.Breaker,
		RateLimit: opts.RateLimit,
		Retry:     opts.Retry,
		DLQ:       s.dlq,
		OnExhausted: func(env *wire.Envelope, err error, _ int) {
			if s.metrics != nil {
				s.metrics.RecordDeadLetter(act.actorType)
			}
			s.completePending(env, env.ErrorResponse(err))
			s.reportFailure(act, err)
		},
		OnDrop: func(env *wire.Envelope) {
			s.completePending(
				env, env.ErrorResponse(mailbox.ErrDropped),
			)
		},
	}, s.makeHandler(act))
	act.mb.Start()

	if s.super != nil {
		if _, seen := s.superSeen.LoadOrStore(
			act.identity, struct{}{},
		); !seen {
			err := s.super.Adopt(&activationChild{
				silo:      s,
				actorType: act.actorType,
				actorID:   act.actorID,
			})
			if err != nil {
				return err
			}
		}
	}

	if s.metrics != nil {
		s.metrics.ActivationStarted(act.actorType)
	}

	log.DebugS(ctx, "Activated actor",
		"actor_type", act.actorType,
		"actor_id", act.actorID)

	return nil
}

// mailboxOptionsFor resolves the per-type mailbox tuning.
func (s *Silo) mailboxOptionsFor(actorType string) MailboxOptions {
	if opts, ok := s.cfg.MailboxOverrides[actorType]; ok {
		return opts
	}

	return s.cfg.Mailbox
}

// makeHandler builds the turn function for one activation: set up the
// turn context, dispatch, and complete the caller's promise on success.
// Failures propagate to the mailbox so retry, breaker, and dead-letter
// accounting all see them; the promise completes on the final failure via
// OnExhausted.
func (s *Silo) makeHandler(act *activation) mailbox.Handler {
	return func(ctx context.Context, env *wire.Envelope) error {
		act.touch(s.cfg.Clock())

		ac := dispatch.NewActorContext(
			act.identity, env.CorrelationID, env.MessageID,
		)
		ctx = dispatch.WithActorContext(ctx, ac)

		d, err := s.dispatchers.Lookup(env.ActorType)
		if err != nil {
			s.recordTurn(act.actorType, err)
			return err
		}

		out, err := d.Invoke(ctx, act.target, env.MethodName,
			env.Payload)
		s.recordTurn(act.actorType, err)
		if err != nil {
			return err
		}

		act.touch(s.cfg.Clock())
		s.completePending(env, env.Response(out))

		return nil
	}
}

// reportFailure hands an exhausted turn failure to the supervision tree.
// The restart path sleeps through its backoff and drains the mailbox, so
// it runs off the turn loop.
func (s *Silo) reportFailure(act *activation, failure error) {
	if s.super == nil {
		return
	}

	go func() {
		directive, err := s.super.NotifyFailure(
			s.scanCtx, act.identity, failure,
		)
		if err != nil {
			log.WarnS(s.scanCtx, "Supervision failed", err,
				"actor_id", act.identity)
			return
		}

		log.DebugS(s.scanCtx, "Supervision applied",
			"actor_id", act.identity,
			"directive", directive.String())
	}()
}

// activationChild adapts one activation identity to the supervisor's
// child surface. Start re-activates the identity through the normal
// factory path; Stop deactivates it. The supervisor handle outlives any
// single activation so restart history survives rebuilds.
type activationChild struct {
	silo      *Silo
	actorType string
	actorID   string
}

// ID returns the activation identity.
func (c *activationChild) ID() string {
	return c.actorType + ":" + c.actorID
}

// Start rebuilds the activation. A live activation is left as is.
func (c *activationChild) Start(ctx context.Context) error {
	_, err := c.silo.getOrActivate(ctx, c.actorType, c.actorID)
	return err
}

// Stop drains and releases the activation.
func (c *activationChild) Stop(ctx context.Context) error {
	c.silo.Deactivate(ctx, c.actorType, c.actorID)
	return nil
}

// recordTurn feeds the turn counters when metrics are wired.
func (s *Silo) recordTurn(actorType string, err error) {
	if s.metrics != nil {
		s.metrics.RecordTurn(actorType, err != nil)
	}
}

// completePending hands the response to the waiting caller, if any.
// One-way posts have no pending entry and complete nowhere.
func (s *Silo) completePending(env, resp *wire.Envelope) {
	p, ok := s.pending.Load(env.MessageID)
	if !ok {
		return
	}

	p.(actor.Promise[*wire.Envelope]).Complete(fn.Ok(resp))
}

// Deactivate drains and releases one activation by identity. Unknown
// identities are a no-op.
func (s *Silo) Deactivate(ctx context.Context, actorType,
	actorID string) {

	identity := actorType + ":" + actorID

	s.mu.Lock()
	act, ok := s.activations[identity]
	delete(s.activations, identity)
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.InvalidateIdentity(actorType, actorID)
	}

	if ok {
		s.deactivate(ctx, act)
	}
}

// deactivate drains the mailbox, runs the OnDeactivate hook, and logs the
// release.
func (s *Silo) deactivate(ctx context.Context, act *activation) {
	drainCtx, cancel := context.WithTimeout(
		ctx, s.cfg.DeactivateTimeout,
	)
	defer cancel()

	if err := act.mb.Stop(drainCtx); err != nil {
		log.WarnS(ctx, "Mailbox drain incomplete", err,
			"actor_id", act.identity)
	}

	if hook, ok := act.target.(Deactivatable); ok {
		if err := hook.OnDeactivate(drainCtx); err != nil {
			log.WarnS(ctx, "OnDeactivate failed", err,
				"actor_id", act.identity)
		}
	}

	if s.metrics != nil {
		s.metrics.ActivationEnded(act.actorType)
	}

	log.DebugS(ctx, "Deactivated actor",
		"actor_type", act.actorType,
		"actor_id", act.actorID)
}

// idleScanLoop periodically deactivates activations idle past the
// timeout, never dropping below the configured floor.
func (s *Silo) idleScanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ScanIdle(s.scanCtx)

		case <-s.scanCtx.Done():
			return
		}
	}
}

// ScanIdle performs one idle sweep. Exported so tests can drive it
// deterministically.
func (s *Silo) ScanIdle(ctx context.Context) {
	now := s.cfg.Clock()

	s.mu.Lock()
	var idle []*activation
	remaining := len(s.activations)
	for _, act := range s.activations {
		if remaining <= s.cfg.MinimumActiveActors {
			break
		}

		// Skip anything mid-turn or with queued work.
		if act.mb == nil || act.mb.IsProcessing() ||
			act.mb.MessageCount() > 0 {

			continue
		}

		if act.idleFor(now) >= s.cfg.IdleTimeout {
			idle = append(idle, act)
			remaining--
		}
	}
	for _, act := range idle {
		delete(s.activations, act.identity)
	}
	s.mu.Unlock()

	for _, act := range idle {
		s.deactivate(ctx, act)
	}

	if len(idle) > 0 {
		log.DebugS(ctx, "Idle sweep deactivated actors",
			"count", len(idle))
	}
}

// ActivationCount returns how many activations are currently live.
func (s *Silo) ActivationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.activations)
}
