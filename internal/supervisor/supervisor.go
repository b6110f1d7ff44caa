// Package supervisor implements parent-child failure handling for
// activations: restart directives, the restart budget with its sliding
// window, exponential restart backoff, and the one-for-one, all-for-one,
// and rest-for-one strategies.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
)

// ErrDuplicateChild is returned when spawning a child under an id that is
// already taken within this supervisor.
var ErrDuplicateChild = errors.New("duplicate child id")

// ErrUnknownChild is returned when a failure is reported for a child this
// supervisor does not own.
var ErrUnknownChild = errors.New("unknown child")

// Directive is the supervisor's reaction to a child failure.
type Directive int

const (
	// Resume ignores the failure and keeps the child running.
	Resume Directive = iota

	// Restart stops and restarts the child under the restart budget.
	Restart

	// Stop terminates the child permanently.
	Stop

	// Escalate hands the failure to this supervisor's own parent.
	Escalate
)

// String returns the directive name.
func (d Directive) String() string {
	switch d {
	case Resume:
		return "resume"
	case Restart:
		return "restart"
	case Stop:
		return "stop"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Strategy selects which children a restart applies to.
type Strategy int

const (
	// OneForOne restarts only the failed child.
	OneForOne Strategy = iota

	// AllForOne restarts every child when any child fails.
	AllForOne

	// RestForOne restarts the failed child and every child created
	// after it.
	RestForOne
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case OneForOne:
		return "one-for-one"
	case AllForOne:
		return "all-for-one"
	case RestForOne:
		return "rest-for-one"
	default:
		return "unknown"
	}
}

// Options tunes a supervisor.
type Options struct {
	// Strategy selects the restart scope.
	Strategy Strategy

	// MaxRestarts is the restart budget within TimeWindow; exceeding it
	// escalates (or stops, when Escalate is false).
	MaxRestarts int

	// TimeWindow bounds the restart budget and resets the backoff
	// streak after a quiet period of this length.
	TimeWindow time.Duration

	// InitialBackoff is the delay before the first restart.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// Multiplier scales the backoff per consecutive restart.
	Multiplier float64

	// Escalate bubbles budget exhaustion to the parent. When false the
	// child is stopped instead.
	Escalate bool

	// Clock overrides time.Now in tests.
	Clock func() time.Time

	// Sleep overrides the backoff wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the standard supervision tuning.
func DefaultOptions() Options {
	return Options{
		Strategy:       OneForOne,
		MaxRestarts:    3,
		TimeWindow:     60 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Escalate:       true,
	}
}

// Child is the lifecycle surface a supervisor drives. Implementations are
// activation handles; they must tolerate Stop before Start.
type Child interface {
	// ID returns the child's identifier, unique within its parent.
	ID() string

	// Start (re)starts the child.
	Start(ctx context.Context) error

	// Stop terminates the child.
	Stop(ctx context.Context) error
}

// Decider maps a child failure to a directive. A nil decider restarts on
// every failure.
type Decider func(childID string, failure error) Directive

// childState pairs a child with its restart bookkeeping.
type childState struct {
	child Child

	// seq is the creation order, used by RestForOne.
	seq int

	history RestartHistory
}

// Supervisor owns a set of children and applies the restart discipline
// when they fail.
type Supervisor struct {
	opts    Options
	decider Decider

	// onEscalate receives failures that exceed the restart budget or
	// carry an Escalate directive.
	onEscalate func(childID string, failure error)

	mu       sync.Mutex
	children map[string]*childState
	nextSeq  int
}

// New creates a supervisor.
func New(opts Options, decider Decider,
	onEscalate func(childID string, failure error)) *Supervisor {

	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if decider == nil {
		decider = func(string, error) Directive { return Restart }
	}

	return &Supervisor{
		opts:       opts,
		decider:    decider,
		onEscalate: onEscalate,
		children:   make(map[string]*childState),
	}
}

// Spawn registers and starts a child. Spawning a duplicate id is an
// error.
func (s *Supervisor) Spawn(ctx context.Context, child Child) error {
	s.mu.Lock()
	if _, ok := s.children[child.ID()]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateChild, child.ID())
	}

	s.nextSeq++
	s.children[child.ID()] = &childState{
		child: child,
		seq:   s.nextSeq,
	}
	s.mu.Unlock()

	if err := child.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.children, child.ID())
		s.mu.Unlock()

		return err
	}

	log.DebugS(ctx, "Child spawned",
		"child_id", child.ID(),
		"strategy", s.opts.Strategy.String())

	return nil
}

// Adopt registers an already-running child without starting it. The silo
// uses it for activations it has just built, so a failed Start cannot
// leave a half-registered child behind.
func (s *Supervisor) Adopt(child Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.children[child.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChild, child.ID())
	}

	s.nextSeq++
	s.children[child.ID()] = &childState{
		child: child,
		seq:   s.nextSeq,
	}

	return nil
}

// ChildIDs returns the child ids in creation order.
func (s *Supervisor) ChildIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]*childState, 0, len(s.children))
	for _, st := range s.children {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].seq < states[j].seq
	})

	ids := make([]string, len(states))
	for i, st := range states {
		ids[i] = st.child.ID()
	}

	return ids
}

// History returns a copy of a child's restart history.
func (s *Supervisor) History(childID string) (RestartHistory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.children[childID]
	if !ok {
		return RestartHistory{}, false
	}

	return st.history, true
}

// NotifyFailure reports a child failure and applies the resulting
// directive. It returns the directive actually applied: a Restart that
// exceeds the budget is reported as Escalate (or Stop when escalation is
// disabled).
func (s *Supervisor) NotifyFailure(ctx context.Context, childID string,
	failure error) (Directive, error) {

	s.mu.Lock()
	st, ok := s.children[childID]
	s.mu.Unlock()
	if !ok {
		return Stop, fmt.Errorf("%w: %s", ErrUnknownChild, childID)
	}

	directive := s.decider(childID, failure)

	log.DebugS(ctx, "Child failure",
		"child_id", childID,
		"directive", directive.String(),
		"err", failure)

	switch directive {
	case Resume:
		return Resume, nil

	case Stop:
		return Stop, s.stopChild(ctx, childID)

	case Escalate:
		s.escalate(childID, failure)
		return Escalate, nil

	case Restart:
		return s.restart(ctx, st, failure)

	default:
		return directive, fmt.Errorf("unknown directive %d", directive)
	}
}

// restart applies the restart discipline for one failure.
func (s *Supervisor) restart(ctx context.Context, st *childState,
	failure error) (Directive, error) {

	now := s.opts.Clock()

	s.mu.Lock()
	st.history.resetIfQuiet(now, s.opts.TimeWindow)

	// Budget check first: a failure beyond the budget escalates without
	// performing another restart.
	if st.history.withinWindow(now, s.opts.TimeWindow) >=
		s.opts.MaxRestarts {

		s.mu.Unlock()

		childID := st.child.ID()
		if s.opts.Escalate {
			s.escalate(childID, failure)
			return Escalate, nil
		}

		return Stop, s.stopChild(ctx, childID)
	}

	st.history.record(now)
	consecutive := st.history.consecutive
	s.mu.Unlock()

	backoff := s.backoff(consecutive)

	log.InfoS(ctx, "Restarting child",
		"child_id", st.child.ID(),
		"consecutive", consecutive,
		"backoff", backoff)

	if err := s.opts.Sleep(ctx, backoff); err != nil {
		return Restart, err
	}

	targets := s.restartTargets(st)
	for _, target := range targets {
		if err := target.Stop(ctx); err != nil {
			log.WarnS(ctx, "Child stop failed during restart",
				err, "child_id", target.ID())
		}
	}
	for _, target := range targets {
		if err := target.Start(ctx); err != nil {
			return Restart, fmt.Errorf("restart child %s: %w",
				target.ID(), err)
		}
	}

	return Restart, nil
}

// restartTargets resolves the strategy's restart scope, in creation
// order.
func (s *Supervisor) restartTargets(failed *childState) []Child {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]*childState, 0, len(s.children))
	for _, st := range s.children {
		switch s.opts.Strategy {
		case OneForOne:
			if st == failed {
				states = append(states, st)
			}

		case AllForOne:
			states = append(states, st)

		case RestForOne:
			if st.seq >= failed.seq {
				states = append(states, st)
			}
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].seq < states[j].seq
	})

	children := make([]Child, len(states))
	for i, st := range states {
		children[i] = st.child
	}

	return children
}

// backoff computes the delay before the nth consecutive restart.
func (s *Supervisor) backoff(consecutive int) time.Duration {
	if consecutive < 1 {
		consecutive = 1
	}

	backoff := float64(s.opts.InitialBackoff) *
		math.Pow(s.opts.Multiplier, float64(consecutive-1))
	if backoff > float64(s.opts.MaxBackoff) {
		backoff = float64(s.opts.MaxBackoff)
	}

	return time.Duration(backoff)
}

// escalate forwards a failure to the parent.
func (s *Supervisor) escalate(childID string, failure error) {
	log.WarnS(context.Background(), "Escalating child failure",
		wire.ErrSupervisorEscalation,
		"child_id", childID,
		"cause", failure)

	if s.onEscalate != nil {
		s.onEscalate(childID, failure)
	}
}

// stopChild stops and removes a child.
func (s *Supervisor) stopChild(ctx context.Context, childID string) error {
	s.mu.Lock()
	st, ok := s.children[childID]
	if ok {
		delete(s.children, childID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	return st.child.Stop(ctx)
}

// StopAll stops every child, newest first.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	states := make([]*childState, 0, len(s.children))
	for _, st := range s.children {
		states = append(states, st)
	}
	s.children = make(map[string]*childState)
	s.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].seq > states[j].seq
	})

	var firstErr error
	for _, st := range states {
		if err := st.child.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
