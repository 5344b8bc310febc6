// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcDelegate is a [Delegate] double whose methods are overridable funcs.
type funcDelegate struct {
	StartListenerFunc           func()
	StartAndSuspendListenerFunc func()
	StopListenerFunc            func()
	SuspendListenerFunc         func()
	ResumeListenerFunc          func()
}

func (d *funcDelegate) StartListener() {
	if d.StartListenerFunc != nil {
		d.StartListenerFunc()
	}
}
func (d *funcDelegate) StartAndSuspendListener() {
	if d.StartAndSuspendListenerFunc != nil {
		d.StartAndSuspendListenerFunc()
	}
}
func (d *funcDelegate) StopListener() {
	if d.StopListenerFunc != nil {
		d.StopListenerFunc()
	}
}
func (d *funcDelegate) SuspendListener() {
	if d.SuspendListenerFunc != nil {
		d.SuspendListenerFunc()
	}
}
func (d *funcDelegate) ResumeListener() {
	if d.ResumeListenerFunc != nil {
		d.ResumeListenerFunc()
	}
}

var _ Delegate = &funcDelegate{}

// funcObserver is an [Observer] double whose methods are overridable funcs.
type funcObserver struct {
	OnStartedFunc   func()
	OnStoppedFunc   func()
	OnSuspendedFunc func()
}

func (o *funcObserver) OnStarted() {
	if o.OnStartedFunc != nil {
		o.OnStartedFunc()
	}
}
func (o *funcObserver) OnStopped() {
	if o.OnStoppedFunc != nil {
		o.OnStoppedFunc()
	}
}
func (o *funcObserver) OnSuspended() {
	if o.OnSuspendedFunc != nil {
		o.OnSuspendedFunc()
	}
}

var _ Observer = &funcObserver{}

// Start transitions Stopped→Starting and invokes the delegate.
func TestStateMachineStart(t *testing.T) {
	called := false
	d := &funcDelegate{StartListenerFunc: func() { called = true }}
	m := NewStateMachine(d, nil, DefaultSLogger())

	ok := m.Start()

	assert.True(t, ok)
	assert.True(t, called)
	assert.Equal(t, StateStarting, m.State())
}

// Start is rejected outside Stopped.
func TestStateMachineStartRejectedWhenRunning(t *testing.T) {
	d := &funcDelegate{}
	m := NewStateMachine(d, nil, DefaultSLogger())
	require.True(t, m.Start())
	require.True(t, m.SetState(StateRunning))

	ok := m.Start()

	assert.False(t, ok)
	assert.Equal(t, StateRunning, m.State())
}

// Stop is rejected from the initial Stopped state, and a second Stop call
// after that must not invoke the delegate either.
func TestStateMachineStopRejectedWhenAlreadyStopped(t *testing.T) {
	calls := 0
	d := &funcDelegate{StopListenerFunc: func() { calls++ }}
	m := NewStateMachine(d, nil, DefaultSLogger())

	assert.False(t, m.Stop())
	assert.False(t, m.Stop())
	assert.Equal(t, 0, calls)
	assert.Equal(t, StateStopped, m.State())
}

// SetState validates the transition table and notifies the observer.
func TestStateMachineSetStateNotifiesObserver(t *testing.T) {
	var started, stopped, suspended bool
	observer := &funcObserver{
		OnStartedFunc:   func() { started = true },
		OnStoppedFunc:   func() { stopped = true },
		OnSuspendedFunc: func() { suspended = true },
	}
	m := NewStateMachine(&funcDelegate{}, observer, DefaultSLogger())
	require.True(t, m.Start())

	require.True(t, m.SetState(StateRunning))
	assert.True(t, started)

	require.True(t, m.SetState(StateSuspended))
	assert.True(t, suspended)

	require.True(t, m.SetState(StateRunning))
	require.True(t, m.SetState(StateStopping))
	require.True(t, m.SetState(StateStopped))
	assert.True(t, stopped)
}

// SetState rejects a transition absent from the table.
func TestStateMachineSetStateRejectsInvalidTransition(t *testing.T) {
	m := NewStateMachine(&funcDelegate{}, nil, DefaultSLogger())

	ok := m.SetState(StateRunning) // Stopped -> Running is not allowed directly

	assert.False(t, ok)
	assert.Equal(t, StateStopped, m.State())
}

// Suspend/Resume round-trip between Running and Suspended.
func TestStateMachineSuspendResume(t *testing.T) {
	var suspendCalled, resumeCalled bool
	d := &funcDelegate{
		SuspendListenerFunc: func() { suspendCalled = true },
		ResumeListenerFunc:  func() { resumeCalled = true },
	}
	m := NewStateMachine(d, nil, DefaultSLogger())
	require.True(t, m.Start())
	require.True(t, m.SetState(StateRunning))

	assert.True(t, m.Suspend())
	assert.True(t, suspendCalled)
	require.True(t, m.SetState(StateSuspended))

	assert.True(t, m.Resume())
	assert.True(t, resumeCalled)
	require.True(t, m.SetState(StateRunning))
}

// SearchNow acts immediately from Running.
func TestStateMachineSearchNowFromRunning(t *testing.T) {
	calls := 0
	d := &funcDelegate{StartListenerFunc: func() { calls++ }}
	m := NewStateMachine(d, nil, DefaultSLogger())
	require.True(t, m.Start())
	require.True(t, m.SetState(StateRunning))
	calls = 0 // ignore the Start() call

	ok := m.SearchNow()

	assert.True(t, ok)
	assert.Equal(t, 1, calls)
}

// SearchNow from Suspended is deferred until the machine re-enters Running.
func TestStateMachineSearchNowFromSuspendedIsDeferred(t *testing.T) {
	calls := 0
	d := &funcDelegate{StartListenerFunc: func() { calls++ }}
	m := NewStateMachine(d, nil, DefaultSLogger())
	require.True(t, m.Start())
	require.True(t, m.SetState(StateRunning))
	require.True(t, m.Suspend())
	require.True(t, m.SetState(StateSuspended))
	calls = 0

	ok := m.SearchNow()
	assert.True(t, ok)
	assert.Equal(t, 0, calls, "SearchNow must not act immediately from Suspended")

	require.True(t, m.Resume())
	require.True(t, m.SetState(StateRunning))
	assert.Equal(t, 1, calls, "deferred SearchNow should fire once Running is reached")
}

// SearchNow is rejected outside Running/Suspended.
func TestStateMachineSearchNowRejectedWhenStopped(t *testing.T) {
	m := NewStateMachine(&funcDelegate{}, nil, DefaultSLogger())
	assert.False(t, m.SearchNow())
}

// TakeNewStateTransitions drains accepted transitions in order.
func TestStateMachineTakeNewStateTransitions(t *testing.T) {
	m := NewStateMachine(&funcDelegate{}, nil, DefaultSLogger())
	require.True(t, m.Start())
	require.True(t, m.SetState(StateRunning))
	require.True(t, m.SetState(StateSuspended))

	got := m.TakeNewStateTransitions()

	assert.Equal(t, []ServiceState{StateRunning, StateSuspended}, got)
	assert.Empty(t, m.TakeNewStateTransitions())
}
