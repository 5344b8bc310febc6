// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: original_source/embedder/discovery_state_machine.h (the
// SearchNow/TakeNewStateTransitions extensions) and the teacher's Func/
// Observer idioms.

package osp

import "log/slog"

// ServiceState is one of the five lifecycle states shared by the listener
// and publisher roles (spec.md §4.B).
type ServiceState int

const (
	StateStopped ServiceState = iota
	StateStarting
	StateRunning
	StateSuspended
	StateStopping
)

// String returns a human-readable name for s.
func (s ServiceState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// stateTransitions encodes the allowed from→to edges of spec.md §4.B.
var stateTransitions = map[ServiceState]map[ServiceState]bool{
	StateStopped:   {StateStarting: true, StateStopping: true},
	StateStarting:  {StateRunning: true, StateSuspended: true, StateStopping: true},
	StateRunning:   {StateSuspended: true, StateStopping: true},
	StateSuspended: {StateRunning: true, StateStopping: true},
	StateStopping:  {StateStopped: true},
}

// Delegate receives the side-effecting half of a lifecycle command. It is
// generic enough to serve both the discovery listener and the availability
// publisher roles (spec.md §4.B): whichever asynchronous work Start/Suspend/
// Resume/Stop trigger, the delegate calls [StateMachine.SetState] once that
// work reaches a terminal point.
type Delegate interface {
	StartListener()
	StartAndSuspendListener()
	StopListener()
	SuspendListener()
	ResumeListener()
}

// Observer is notified of externally visible state changes (spec.md §4.B).
type Observer interface {
	OnStarted()
	OnStopped()
	OnSuspended()
}

// noopObserver implements [Observer] with no side effects.
type noopObserver struct{}

func (noopObserver) OnStarted()   {}
func (noopObserver) OnStopped()   {}
func (noopObserver) OnSuspended() {}

// StateMachine drives the five-state lifecycle described in spec.md §4.B.
// It is owned exclusively by the [TaskRunner] thread and takes no internal
// lock (spec.md §5).
type StateMachine struct {
	// Delegate receives the side-effecting commands.
	Delegate Delegate

	// Observer is notified of state changes. Defaults to a no-op.
	Observer Observer

	// Logger is the [SLogger] to use.
	Logger SLogger

	state ServiceState

	// pendingSearch is set by [StateMachine.SearchNow] when called from a
	// state that cannot immediately act on it; drained by SetState the
	// next time the machine re-enters Running (original_source's
	// discovery_state_machine.h SearchNow semantics).
	pendingSearch bool

	// newStateTransitions records every transition accepted by SetState,
	// for [StateMachine.TakeNewStateTransitions] to drain. This mirrors
	// the original's test-assertion hook and has no effect on the
	// externally visible state.
	newStateTransitions []ServiceState
}

// NewStateMachine returns a new [*StateMachine] in [StateStopped], wired
// from delegate. observer may be nil, in which case a no-op is used.
func NewStateMachine(delegate Delegate, observer Observer, logger SLogger) *StateMachine {
	if observer == nil {
		observer = noopObserver{}
	}
	return &StateMachine{
		Delegate: delegate,
		Observer: observer,
		Logger:   logger,
		state:    StateStopped,
	}
}

// State returns the current [ServiceState].
func (m *StateMachine) State() ServiceState {
	return m.state
}

// command runs the shared validate→log→delegate→optionally-set-Starting
// logic used by every public command method.
func (m *StateMachine) command(name string, allowed []ServiceState, setStarting bool, action func()) bool {
	ok := false
	for _, s := range allowed {
		if m.state == s {
			ok = true
			break
		}
	}
	m.Logger.Info(
		"stateMachineCommand",
		slog.String("command", name),
		slog.String("state", m.state.String()),
		slog.Bool("accepted", ok),
	)
	if !ok {
		return false
	}
	if setStarting {
		m.state = StateStarting
	}
	action()
	return true
}

// Start requests a transition out of [StateStopped] into a running
// service. Returns false without side effect if the current state is not
// [StateStopped].
func (m *StateMachine) Start() bool {
	return m.command("Start", []ServiceState{StateStopped}, true, m.Delegate.StartListener)
}

// StartAndSuspend requests a transition out of [StateStopped] directly
// into a suspended service, used when the caller wants the service created
// but not yet actively publishing/discovering.
func (m *StateMachine) StartAndSuspend() bool {
	return m.command("StartAndSuspend", []ServiceState{StateStopped}, true, m.Delegate.StartAndSuspendListener)
}

// Stop requests a transition to [StateStopping]. Valid from
// [StateStarting], [StateRunning], or [StateSuspended]. Returns false
// without side effect if the machine is already [StateStopped] or
// [StateStopping], so duplicate calls never invoke the delegate twice.
func (m *StateMachine) Stop() bool {
	return m.command("Stop", []ServiceState{StateStarting, StateRunning, StateSuspended}, false, m.Delegate.StopListener)
}

// Suspend requests a transition from [StateRunning] to [StateSuspended].
func (m *StateMachine) Suspend() bool {
	return m.command("Suspend", []ServiceState{StateRunning}, false, m.Delegate.SuspendListener)
}

// Resume requests a transition from [StateSuspended] back to
// [StateRunning].
func (m *StateMachine) Resume() bool {
	return m.command("Resume", []ServiceState{StateSuspended}, false, m.Delegate.ResumeListener)
}

// SetState is called by the [Delegate] once its asynchronous work reaches
// new. It validates the transition against the table in spec.md §4.B,
// updates the externally visible state, and notifies the [Observer].
// Returns false if the transition is not allowed, in which case the state
// is left unchanged.
func (m *StateMachine) SetState(new ServiceState) bool {
	if !stateTransitions[m.state][new] {
		m.Logger.Info(
			"stateMachineSetStateRejected",
			slog.String("from", m.state.String()),
			slog.String("to", new.String()),
		)
		return false
	}

	m.Logger.Info(
		"stateMachineSetState",
		slog.String("from", m.state.String()),
		slog.String("to", new.String()),
	)
	m.state = new
	m.newStateTransitions = append(m.newStateTransitions, new)

	switch new {
	case StateRunning:
		m.Observer.OnStarted()
		if m.pendingSearch {
			m.pendingSearch = false
			m.Delegate.StartListener()
		}
	case StateStopped:
		m.Observer.OnStopped()
	case StateSuspended:
		m.Observer.OnSuspended()
	}
	return true
}

// SearchNow re-triggers discovery without a state change (original_source's
// discovery_state_machine.h). Valid from [StateRunning] or [StateSuspended];
// from Suspended, the request is remembered and actioned automatically the
// next time the machine enters Running. Returns false from any other state.
func (m *StateMachine) SearchNow() bool {
	switch m.state {
	case StateRunning:
		m.Delegate.StartListener()
		return true
	case StateSuspended:
		m.pendingSearch = true
		return true
	default:
		return false
	}
}

// TakeNewStateTransitions drains and returns the transitions accepted by
// SetState since the last call, in order. Intended for test assertions
// (original_source's discovery_state_machine.h); has no effect on the
// machine's externally visible behavior.
func (m *StateMachine) TakeNewStateTransitions() []ServiceState {
	out := m.newStateTransitions
	m.newStateTransitions = nil
	return out
}
