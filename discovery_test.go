// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEventSource is a [DiscoveryEventSource] double that lets tests fire
// events directly into the registered callbacks.
type fakeEventSource struct {
	ptrCb  func(PTREvent)
	srvCb  map[InstanceKey]func(SRVEvent)
	txtCb  map[InstanceKey]func(TXTEvent)
	aCb    map[HostKey]func(AEvent)
	aaaaCb map[HostKey]func(AAAAEvent)

	srvWatchesStarted  int
	srvWatchesCanceled int
	aWatchesStarted    int
	aWatchesCanceled   int
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{
		srvCb:  make(map[InstanceKey]func(SRVEvent)),
		txtCb:  make(map[InstanceKey]func(TXTEvent)),
		aCb:    make(map[HostKey]func(AEvent)),
		aaaaCb: make(map[HostKey]func(AAAAEvent)),
	}
}

func (s *fakeEventSource) WatchPTR(serviceType string, cb func(PTREvent)) *DiscoveryWatch {
	s.ptrCb = cb
	return newDiscoveryWatch(func() { s.ptrCb = nil })
}

func (s *fakeEventSource) WatchSRV(instance InstanceKey, cb func(SRVEvent)) *DiscoveryWatch {
	s.srvCb[instance] = cb
	s.srvWatchesStarted++
	return newDiscoveryWatch(func() {
		delete(s.srvCb, instance)
		s.srvWatchesCanceled++
	})
}

func (s *fakeEventSource) WatchTXT(instance InstanceKey, cb func(TXTEvent)) *DiscoveryWatch {
	s.txtCb[instance] = cb
	return newDiscoveryWatch(func() { delete(s.txtCb, instance) })
}

func (s *fakeEventSource) WatchA(host HostKey, cb func(AEvent)) *DiscoveryWatch {
	s.aCb[host] = cb
	s.aWatchesStarted++
	return newDiscoveryWatch(func() {
		delete(s.aCb, host)
		s.aWatchesCanceled++
	})
}

func (s *fakeEventSource) WatchAAAA(host HostKey, cb func(AAAAEvent)) *DiscoveryWatch {
	s.aaaaCb[host] = cb
	return newDiscoveryWatch(func() { delete(s.aaaaCb, host) })
}

// fakeServiceObserver records every emitted event.
type fakeServiceObserver struct {
	added          []DiscoveredService
	changed        []DiscoveredService
	removed        []DiscoveredService
	allRemovedHits int
}

func (o *fakeServiceObserver) OnServiceAdded(s DiscoveredService)   { o.added = append(o.added, s) }
func (o *fakeServiceObserver) OnServiceChanged(s DiscoveredService) { o.changed = append(o.changed, s) }
func (o *fakeServiceObserver) OnServiceRemoved(s DiscoveredService) { o.removed = append(o.removed, s) }
func (o *fakeServiceObserver) OnAllServicesRemoved()                { o.allRemovedHits++ }

func publishFullService(t *testing.T, agg *DiscoveryAggregator, src *fakeEventSource, instance InstanceKey, socket int, host InstanceKey) {
	t.Helper()
	require.NotNil(t, src.ptrCb)
	src.ptrCb(PTREvent{Socket: socket, Response: ResponseAdded, Instance: instance})
	agg.RunTasks()

	require.Contains(t, src.srvCb, instance)
	src.srvCb[instance](SRVEvent{Socket: socket, Response: ResponseAdded, HostDomain: host, Port: 4434})
	agg.RunTasks()

	require.Contains(t, src.txtCb, instance)
	src.txtCb[instance](TXTEvent{Response: ResponseAdded, Lines: [][]byte{[]byte("fn=Living Room TV")}})
	agg.RunTasks()

	hostKey := HostKey{BoundSocketID: socket, HostDomain: host}
	require.Contains(t, src.aCb, hostKey)
	src.aCb[hostKey](AEvent{Response: ResponseAdded, Addr: netip.MustParseAddr("192.0.2.10")})
}

// A full PTR+SRV+TXT+A sequence emits exactly one OnServiceAdded.
func TestDiscoveryAggregatorEmitsServiceAdded(t *testing.T) {
	src := newFakeEventSource()
	obs := &fakeServiceObserver{}
	agg := NewDiscoveryAggregator(src, obs, DefaultSLogger())

	agg.Start("_openscreen._udp.local.")
	publishFullService(t, agg, src, InstanceKey("tv._openscreen._udp.local."), 1, InstanceKey("tv.local."))
	agg.RunTasks()

	require.Len(t, obs.added, 1)
	assert.Equal(t, "tv._openscreen._udp.local.", obs.added[0].ServiceID)
	assert.Equal(t, "Living Room TV", obs.added[0].FriendlyName)
	assert.True(t, obs.added[0].V4Endpoint.IsValid())
	assert.Empty(t, obs.changed)
}

// A TXT update after the service is published emits OnServiceChanged.
func TestDiscoveryAggregatorEmitsServiceChanged(t *testing.T) {
	src := newFakeEventSource()
	obs := &fakeServiceObserver{}
	agg := NewDiscoveryAggregator(src, obs, DefaultSLogger())
	instance := InstanceKey("tv._openscreen._udp.local.")

	agg.Start("_openscreen._udp.local.")
	publishFullService(t, agg, src, instance, 1, InstanceKey("tv.local."))
	agg.RunTasks()
	require.Len(t, obs.added, 1)

	src.txtCb[instance](TXTEvent{Response: ResponseAdded, Lines: [][]byte{[]byte("fn=Bedroom TV")}})
	agg.RunTasks()

	require.Len(t, obs.changed, 1)
	assert.Equal(t, "Bedroom TV", obs.changed[0].FriendlyName)
}

// Removing the PTR record (with no SRV remembered) drops the instance and
// cancels its SRV/TXT watches.
func TestDiscoveryAggregatorPTRRemovedDropsInstance(t *testing.T) {
	src := newFakeEventSource()
	obs := &fakeServiceObserver{}
	agg := NewDiscoveryAggregator(src, obs, DefaultSLogger())
	instance := InstanceKey("tv._openscreen._udp.local.")

	agg.Start("_openscreen._udp.local.")
	src.ptrCb(PTREvent{Socket: 1, Response: ResponseAdded, Instance: instance})
	agg.RunTasks()
	assert.Equal(t, 1, src.srvWatchesStarted)

	src.ptrCb(PTREvent{Socket: 1, Response: ResponseRemoved, Instance: instance})
	agg.RunTasks()

	assert.Equal(t, 1, src.srvWatchesCanceled)
	_, stillKnown := agg.instances[instance]
	assert.False(t, stillKnown)
}

// SRV events from a socket other than the instance's bound socket are
// ignored (tie-break rule).
func TestDiscoveryAggregatorIgnoresSRVFromWrongSocket(t *testing.T) {
	src := newFakeEventSource()
	obs := &fakeServiceObserver{}
	agg := NewDiscoveryAggregator(src, obs, DefaultSLogger())
	instance := InstanceKey("tv._openscreen._udp.local.")

	agg.Start("_openscreen._udp.local.")
	src.ptrCb(PTREvent{Socket: 1, Response: ResponseAdded, Instance: instance})
	agg.RunTasks()

	src.srvCb[instance](SRVEvent{Socket: 2, Response: ResponseAdded, HostDomain: InstanceKey("tv.local."), Port: 4434})
	agg.RunTasks()

	inst := agg.instances[instance]
	assert.Empty(t, inst.hostDomain)
}

// Removing the last dependent instance of a HostRecord stops its A/AAAA
// watches and drops the record.
func TestDiscoveryAggregatorHostRecordDroppedWhenUnused(t *testing.T) {
	src := newFakeEventSource()
	obs := &fakeServiceObserver{}
	agg := NewDiscoveryAggregator(src, obs, DefaultSLogger())
	instance := InstanceKey("tv._openscreen._udp.local.")
	host := InstanceKey("tv.local.")

	agg.Start("_openscreen._udp.local.")
	publishFullService(t, agg, src, instance, 1, host)
	agg.RunTasks()
	assert.Equal(t, 1, src.aWatchesStarted)

	src.srvCb[instance](SRVEvent{Socket: 1, Response: ResponseRemoved, HostDomain: host, Port: 4434})
	agg.RunTasks()

	assert.Equal(t, 1, src.aWatchesCanceled)
	assert.Empty(t, agg.hosts)
}

// Stop emits OnAllServicesRemoved once if any service was known, and
// clears internal state.
func TestDiscoveryAggregatorStop(t *testing.T) {
	src := newFakeEventSource()
	obs := &fakeServiceObserver{}
	agg := NewDiscoveryAggregator(src, obs, DefaultSLogger())

	agg.Start("_openscreen._udp.local.")
	publishFullService(t, agg, src, InstanceKey("tv._openscreen._udp.local."), 1, InstanceKey("tv.local."))
	agg.RunTasks()

	agg.Stop()

	assert.Equal(t, 1, obs.allRemovedHits)
	assert.Empty(t, agg.instances)
	assert.Empty(t, agg.hosts)
}

// Stop without any known service does not emit OnAllServicesRemoved.
func TestDiscoveryAggregatorStopNoServices(t *testing.T) {
	src := newFakeEventSource()
	obs := &fakeServiceObserver{}
	agg := NewDiscoveryAggregator(src, obs, DefaultSLogger())

	agg.Start("_openscreen._udp.local.")
	agg.Stop()

	assert.Zero(t, obs.allRemovedHits)
}
