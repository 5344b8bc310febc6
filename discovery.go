// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: spec.md §4.C's aggregation algorithm; event-source seam
// shaped after the teacher's [Func]-returns-a-scoped-handle idiom
// ([scopedCancel]).

package osp

import (
	"bytes"
	"log/slog"
	"net/netip"
)

// ResponseType distinguishes an mDNS responder's three kinds of record
// announcement (spec.md §4.C).
type ResponseType int

const (
	ResponseAdded ResponseType = iota
	ResponseRemoved
	ResponseAddedNoCache
)

// DiscoveryWatch is a scoped handle returned by a [DiscoveryEventSource]
// watch method; canceling it revokes the corresponding watch.
type DiscoveryWatch struct {
	cancel *scopedCancel
}

func newDiscoveryWatch(fn func()) *DiscoveryWatch {
	return &DiscoveryWatch{cancel: newScopedCancel(fn)}
}

// Cancel revokes the watch. Safe to call more than once.
func (w *DiscoveryWatch) Cancel() {
	if w != nil {
		w.cancel.cancel()
	}
}

// PTREvent is delivered by a [DiscoveryEventSource.WatchPTR] watch.
type PTREvent struct {
	Socket   int
	Response ResponseType
	Instance InstanceKey
}

// SRVEvent is delivered by a [DiscoveryEventSource.WatchSRV] watch.
type SRVEvent struct {
	Socket     int
	Response   ResponseType
	HostDomain InstanceKey
	Port       uint16
}

// TXTEvent is delivered by a [DiscoveryEventSource.WatchTXT] watch.
type TXTEvent struct {
	Response ResponseType
	Lines    [][]byte
}

// AEvent is delivered by a [DiscoveryEventSource.WatchA] watch.
type AEvent struct {
	Response ResponseType
	Addr     netip.Addr
}

// AAAAEvent is delivered by a [DiscoveryEventSource.WatchAAAA] watch.
type AAAAEvent struct {
	Response ResponseType
	Addr     netip.Addr
}

// DiscoveryEventSource is the external seam the aggregator consumes
// (spec.md §1 Non-goals): concrete mDNS packet parsing and socket I/O live
// outside this package. Implementations deliver events by invoking cb,
// synchronously or later via [TaskRunner.PostTask]; either way, the
// aggregator only ever processes them from within [DiscoveryAggregator.RunTasks].
type DiscoveryEventSource interface {
	WatchPTR(serviceType string, cb func(PTREvent)) *DiscoveryWatch
	WatchSRV(instance InstanceKey, cb func(SRVEvent)) *DiscoveryWatch
	WatchTXT(instance InstanceKey, cb func(TXTEvent)) *DiscoveryWatch
	WatchA(host HostKey, cb func(AEvent)) *DiscoveryWatch
	WatchAAAA(host HostKey, cb func(AAAAEvent)) *DiscoveryWatch
}

// DiscoveredService is the aggregator's output record (spec.md §3).
type DiscoveredService struct {
	ServiceID      string
	FriendlyName   string
	InterfaceIndex int
	V4Endpoint     Endpoint
	V6Endpoint     Endpoint
}

// ServiceObserver receives [DiscoveredService] lifecycle events.
type ServiceObserver interface {
	OnServiceAdded(DiscoveredService)
	OnServiceChanged(DiscoveredService)
	OnServiceRemoved(DiscoveredService)
	OnAllServicesRemoved()
}

// serviceInstance is the aggregator's private bookkeeping for one
// InstanceKey (spec.md §3's ServiceInstance).
type serviceInstance struct {
	key           InstanceKey
	ptrPresent    bool
	boundSocketID int
	hostDomain    InstanceKey
	port          uint16
	txtLines      [][]byte
	host          *hostRecord
	srvWatch      *DiscoveryWatch
	txtWatch      *DiscoveryWatch
}

// hostRecord is the aggregator's private bookkeeping for one HostKey
// (spec.md §3's HostRecord).
type hostRecord struct {
	key        HostKey
	v4Addr     netip.Addr
	v6Addr     netip.Addr
	dependents map[InstanceKey]int
	aWatch     *DiscoveryWatch
	aaaaWatch  *DiscoveryWatch
}

type srvQueueItem struct {
	instance InstanceKey
	ev       SRVEvent
}

type txtQueueItem struct {
	instance InstanceKey
	ev       TXTEvent
}

type aQueueItem struct {
	host HostKey
	ev   AEvent
}

type aaaaQueueItem struct {
	host HostKey
	ev   AAAAEvent
}

// DiscoveryAggregator merges PTR/SRV/TXT/A/AAAA event streams into stable
// [DiscoveredService] records (spec.md §4.C). It is owned exclusively by
// the [TaskRunner] thread and takes no internal lock (spec.md §5).
type DiscoveryAggregator struct {
	Source   DiscoveryEventSource
	Observer ServiceObserver
	Logger   SLogger

	ptrWatch *DiscoveryWatch

	instances map[InstanceKey]*serviceInstance
	hosts     map[HostKey]*hostRecord
	published map[InstanceKey]DiscoveredService

	pendingPTR  []PTREvent
	pendingSRV  []srvQueueItem
	pendingTXT  []txtQueueItem
	pendingA    []aQueueItem
	pendingAAAA []aaaaQueueItem

	pendingReeval      map[InstanceKey]bool
	pendingReevalOrder []InstanceKey
}

// NewDiscoveryAggregator returns a new, idle [*DiscoveryAggregator].
func NewDiscoveryAggregator(source DiscoveryEventSource, observer ServiceObserver, logger SLogger) *DiscoveryAggregator {
	return &DiscoveryAggregator{
		Source:        source,
		Observer:      observer,
		Logger:        logger,
		instances:     make(map[InstanceKey]*serviceInstance),
		hosts:         make(map[HostKey]*hostRecord),
		published:     make(map[InstanceKey]DiscoveredService),
		pendingReeval: make(map[InstanceKey]bool),
	}
}

// Start begins watching serviceType for PTR announcements.
func (a *DiscoveryAggregator) Start(serviceType string) {
	a.ptrWatch = a.Source.WatchPTR(serviceType, func(ev PTREvent) {
		a.pendingPTR = append(a.pendingPTR, ev)
	})
	a.RunTasks()
}

// Stop cancels every outstanding watch and clears all internal state,
// emitting [ServiceObserver.OnAllServicesRemoved] first if any service was
// known (spec.md §4.C).
func (a *DiscoveryAggregator) Stop() {
	if len(a.published) > 0 {
		a.Observer.OnAllServicesRemoved()
	}
	a.ptrWatch.Cancel()
	for _, inst := range a.instances {
		inst.srvWatch.Cancel()
		inst.txtWatch.Cancel()
	}
	for _, host := range a.hosts {
		host.aWatch.Cancel()
		host.aaaaWatch.Cancel()
	}
	a.instances = make(map[InstanceKey]*serviceInstance)
	a.hosts = make(map[HostKey]*hostRecord)
	a.published = make(map[InstanceKey]DiscoveredService)
	a.pendingPTR, a.pendingSRV, a.pendingTXT, a.pendingA, a.pendingAAAA = nil, nil, nil, nil, nil
	a.pendingReeval = make(map[InstanceKey]bool)
	a.pendingReevalOrder = nil
}

func (a *DiscoveryAggregator) markPending(key InstanceKey) {
	if !a.pendingReeval[key] {
		a.pendingReeval[key] = true
		a.pendingReevalOrder = append(a.pendingReevalOrder, key)
	}
}

func (a *DiscoveryAggregator) hasPendingEvents() bool {
	return len(a.pendingPTR) > 0 || len(a.pendingSRV) > 0 || len(a.pendingTXT) > 0 ||
		len(a.pendingA) > 0 || len(a.pendingAAAA) > 0
}

// RunTasks drives the aggregation algorithm to quiescence: it processes
// queued PTR/SRV/TXT/A/AAAA events (looping, since processing one kind can
// register new watches whose first callback enqueues another kind) and
// then re-evaluates every instance marked pending, emitting
// Added/Changed/Removed events (spec.md §4.C).
func (a *DiscoveryAggregator) RunTasks() {
	for a.hasPendingEvents() {
		a.processPTR()
		a.processSRV()
		a.processTXT()
		a.processA()
		a.processAAAA()
	}
	a.reevaluatePending()
}

func (a *DiscoveryAggregator) stopSRVTXT(inst *serviceInstance) {
	inst.srvWatch.Cancel()
	inst.txtWatch.Cancel()
	inst.srvWatch = nil
	inst.txtWatch = nil
}

func (a *DiscoveryAggregator) stopAAAAA(host *hostRecord) {
	host.aWatch.Cancel()
	host.aaaaWatch.Cancel()
	host.aWatch = nil
	host.aaaaWatch = nil
}

func (a *DiscoveryAggregator) processPTR() {
	batch := a.pendingPTR
	a.pendingPTR = nil

	for _, ev := range batch {
		inst, ok := a.instances[ev.Instance]
		switch ev.Response {
		case ResponseAdded:
			if !ok {
				inst = &serviceInstance{key: ev.Instance, boundSocketID: ev.Socket}
				inst.srvWatch = a.Source.WatchSRV(ev.Instance, func(e SRVEvent) {
					a.pendingSRV = append(a.pendingSRV, srvQueueItem{instance: ev.Instance, ev: e})
				})
				inst.txtWatch = a.Source.WatchTXT(ev.Instance, func(e TXTEvent) {
					a.pendingTXT = append(a.pendingTXT, txtQueueItem{instance: ev.Instance, ev: e})
				})
				a.instances[ev.Instance] = inst
			}
			inst.ptrPresent = true
			a.markPending(ev.Instance)
		case ResponseRemoved:
			if ok {
				inst.ptrPresent = false
				if inst.hostDomain == "" {
					a.stopSRVTXT(inst)
				}
				a.markPending(ev.Instance)
			}
		case ResponseAddedNoCache:
			// hint only, no record construction (spec.md §4.C)
		}
		a.Logger.Debug("discoveryPTREvent",
			slog.String("instance", string(ev.Instance)),
			slog.Int("response", int(ev.Response)),
		)
	}
}

func (a *DiscoveryAggregator) processSRV() {
	batch := a.pendingSRV
	a.pendingSRV = nil

	for _, item := range batch {
		inst, ok := a.instances[item.instance]
		if !ok {
			continue // spec.md §4.C step 2: only for a known instance
		}
		if item.ev.Socket != inst.boundSocketID {
			continue // tie-break: ignore SRV from a different socket
		}

		switch item.ev.Response {
		case ResponseAdded:
			inst.hostDomain = item.ev.HostDomain
			inst.port = item.ev.Port

			hostKey := HostKey{BoundSocketID: inst.boundSocketID, HostDomain: item.ev.HostDomain}
			host, exists := a.hosts[hostKey]
			if !exists {
				host = &hostRecord{key: hostKey, dependents: make(map[InstanceKey]int)}
				a.hosts[hostKey] = host
				host.aWatch = a.Source.WatchA(hostKey, func(e AEvent) {
					a.pendingA = append(a.pendingA, aQueueItem{host: hostKey, ev: e})
				})
				host.aaaaWatch = a.Source.WatchAAAA(hostKey, func(e AAAAEvent) {
					a.pendingAAAA = append(a.pendingAAAA, aaaaQueueItem{host: hostKey, ev: e})
				})
			}
			host.dependents[item.instance]++
			inst.host = host
			a.markPending(item.instance)

		case ResponseRemoved:
			if inst.host != nil {
				host := inst.host
				if host.dependents[item.instance] > 0 {
					host.dependents[item.instance]--
					if host.dependents[item.instance] == 0 {
						delete(host.dependents, item.instance)
					}
				}
				if len(host.dependents) == 0 {
					a.stopAAAAA(host)
					delete(a.hosts, host.key)
				}
			}
			inst.host = nil
			inst.hostDomain = ""
			inst.port = 0
			a.markPending(item.instance)

		case ResponseAddedNoCache:
			// hint only
		}
	}
}

func (a *DiscoveryAggregator) processTXT() {
	batch := a.pendingTXT
	a.pendingTXT = nil

	for _, item := range batch {
		inst, ok := a.instances[item.instance]
		if !ok {
			continue
		}
		switch item.ev.Response {
		case ResponseAdded:
			inst.txtLines = item.ev.Lines
		case ResponseRemoved:
			inst.txtLines = nil
		case ResponseAddedNoCache:
			// hint only
		}
		a.markPending(item.instance)
	}
}

func (a *DiscoveryAggregator) processA() {
	batch := a.pendingA
	a.pendingA = nil

	for _, item := range batch {
		host, ok := a.hosts[item.host]
		if !ok {
			continue
		}
		switch item.ev.Response {
		case ResponseAdded:
			host.v4Addr = item.ev.Addr
		case ResponseRemoved:
			host.v4Addr = netip.Addr{}
		case ResponseAddedNoCache:
			// hint only
		}
		for dep := range host.dependents {
			a.markPending(dep)
		}
	}
}

func (a *DiscoveryAggregator) processAAAA() {
	batch := a.pendingAAAA
	a.pendingAAAA = nil

	for _, item := range batch {
		host, ok := a.hosts[item.host]
		if !ok {
			continue
		}
		switch item.ev.Response {
		case ResponseAdded:
			host.v6Addr = item.ev.Addr
		case ResponseRemoved:
			host.v6Addr = netip.Addr{}
		case ResponseAddedNoCache:
			// hint only
		}
		for dep := range host.dependents {
			a.markPending(dep)
		}
	}
}

// friendlyNamePrefix is the TXT-line prefix spec.md §3 derives
// DiscoveredService.FriendlyName from.
const friendlyNamePrefix = "fn="

func computeDiscoveredService(inst *serviceInstance) (DiscoveredService, bool) {
	valid := inst.ptrPresent &&
		inst.hostDomain != "" &&
		inst.port != 0 &&
		len(inst.txtLines) > 0 &&
		inst.host != nil &&
		(inst.host.v4Addr.IsValid() || inst.host.v6Addr.IsValid())
	if !valid {
		return DiscoveredService{}, false
	}

	var friendlyName string
	prefix := []byte(friendlyNamePrefix)
	for _, line := range inst.txtLines {
		if bytes.HasPrefix(line, prefix) {
			friendlyName = string(line[len(prefix):])
			break
		}
	}

	svc := DiscoveredService{
		ServiceID:      string(inst.key),
		FriendlyName:   friendlyName,
		InterfaceIndex: inst.boundSocketID,
	}
	if inst.host.v4Addr.IsValid() {
		svc.V4Endpoint = netip.AddrPortFrom(inst.host.v4Addr, inst.port)
	}
	if inst.host.v6Addr.IsValid() {
		svc.V6Endpoint = netip.AddrPortFrom(inst.host.v6Addr, inst.port)
	}
	return svc, true
}

func (a *DiscoveryAggregator) reevaluatePending() {
	order := a.pendingReevalOrder
	a.pendingReevalOrder = nil
	a.pendingReeval = make(map[InstanceKey]bool)

	for _, key := range order {
		inst, ok := a.instances[key]
		if !ok {
			continue // already dropped by an earlier iteration of this pass
		}

		svc, valid := computeDiscoveredService(inst)
		old, hadOld := a.published[key]

		switch {
		case valid && !hadOld:
			a.published[key] = svc
			a.Observer.OnServiceAdded(svc)
		case valid && svc != old:
			a.published[key] = svc
			a.Observer.OnServiceChanged(svc)
		case !valid && hadOld:
			delete(a.published, key)
			a.Observer.OnServiceRemoved(old)
		}

		if !valid && !inst.ptrPresent && inst.hostDomain == "" {
			a.stopSRVTXT(inst)
			delete(a.instances, key)
		}
	}
}
