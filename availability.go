// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: spec.md §4.G.

package osp

// Availability is the verdict a receiver returns for one URL (spec.md §6
// "url_availabilities").
type Availability int

const (
	// Compatible means the receiver can present the URL.
	Compatible Availability = iota
	// NotCompatible means the receiver understood the request but cannot
	// present the URL (e.g. unsupported content type).
	NotCompatible
	// NotValid means the URL itself was rejected (malformed, disallowed
	// scheme, etc).
	NotValid
)

// AvailabilityObserver is notified when a watched URL's verdict changes
// (spec.md §4.G).
type AvailabilityObserver interface {
	OnServiceAvailable(url string, serviceID string)
	OnServiceUnavailable(url string, serviceID string)
}

// DefaultAvailabilityWatchTTL is the default lifetime of a server-side
// availability subscription before the controller reissues it (spec.md
// §4.G).
const DefaultAvailabilityWatchTTL = 20 * Second

// availabilityWatch is an in-flight server-side subscription.
type availabilityWatch struct {
	urls          []string
	remainingTime Duration
}

// availabilityRequest is an in-flight PresentationUrlAvailabilityRequest
// body, kept until its response (or cancellation) arrives.
type availabilityRequest struct {
	urls []string
}

// AvailabilityStreamWriter is the substrate-backed outbound stream an
// [AvailabilityClient] lazily connects through (spec.md §4.G "An outbound
// stream (lazily connected through 4.E)").
type AvailabilityStreamWriter interface {
	Write(data []byte) (int, error)
}

// AvailabilityClient tracks URL-availability state for one known receiver
// (spec.md §4.G). It is owned exclusively by the [TaskRunner] thread.
type AvailabilityClient struct {
	ServiceID string
	TTL       Duration
	Logger    SLogger

	connection AvailabilityStreamWriter
	nextLocal  uint64

	current   map[string]Availability
	requests  map[uint64]*availabilityRequest
	watches   map[uint64]*availabilityWatch
	nextWatch uint64

	observers map[string]map[AvailabilityObserver]bool
}

// NewAvailabilityClient returns a new, disconnected [*AvailabilityClient]
// for the receiver identified by serviceID, using [DefaultAvailabilityWatchTTL]
// unless ttl is overridden by the caller.
func NewAvailabilityClient(serviceID string, ttl Duration, logger SLogger) *AvailabilityClient {
	if ttl <= 0 {
		ttl = DefaultAvailabilityWatchTTL
	}
	return &AvailabilityClient{
		ServiceID: serviceID,
		TTL:       ttl,
		Logger:    logger,
		current:   make(map[string]Availability),
		requests:  make(map[uint64]*availabilityRequest),
		watches:   make(map[uint64]*availabilityWatch),
		observers: make(map[string]map[AvailabilityObserver]bool),
	}
}

// SetConnection assigns the outbound stream used to send availability
// requests.
func (c *AvailabilityClient) SetConnection(conn AvailabilityStreamWriter) {
	c.connection = conn
}

// AddObserver registers observer for every URL in urls (spec.md §4.G). A
// URL with a cached verdict fires the observer immediately; the rest are
// collected into a fresh availability request.
func (c *AvailabilityClient) AddObserver(urls []string, observer AvailabilityObserver, now TimePoint) {
	var toRequest []string
	for _, url := range urls {
		set, ok := c.observers[url]
		if !ok {
			set = make(map[AvailabilityObserver]bool)
			c.observers[url] = set
		}
		set[observer] = true

		if verdict, ok := c.current[url]; ok {
			c.notify(observer, url, verdict)
			continue
		}
		toRequest = append(toRequest, url)
	}
	if len(toRequest) > 0 {
		c.sendRequest(toRequest)
	}
}

// RemoveObserver removes observer's registration for every URL in urls.
// A URL whose observer set becomes empty is erased from the cache, and
// any watch whose entire URL set has become empty-observer is dropped
// (spec.md §4.G, §9 open-question resolution: a watch is dropped once its
// URL set is a subset of the emptied URLs, matching
// CancelSubsetWatches/std::includes in the original implementation).
func (c *AvailabilityClient) RemoveObserver(urls []string, observer AvailabilityObserver) {
	var emptied []string
	for _, url := range urls {
		set, ok := c.observers[url]
		if !ok {
			continue
		}
		delete(set, observer)
		if len(set) == 0 {
			delete(c.observers, url)
			delete(c.current, url)
			emptied = append(emptied, url)
		}
	}
	if len(emptied) == 0 {
		return
	}
	for watchID, w := range c.watches {
		if isURLSubset(w.urls, emptied) {
			delete(c.watches, watchID)
		}
	}
}

// isURLSubset reports whether every URL in a also occurs in b
// (std::includes(b, a) in the original's CancelSubsetWatches).
func isURLSubset(a, b []string) bool {
	seen := make(map[string]bool, len(b))
	for _, u := range b {
		seen[u] = true
	}
	for _, u := range a {
		if !seen[u] {
			return false
		}
	}
	return true
}

// RefreshWatches decrements every watch's remaining TTL by elapsed and
// reissues any watch whose TTL has expired as a new availability request
// with a fresh watch id and TTL (spec.md §4.G).
func (c *AvailabilityClient) RefreshWatches(elapsed Duration) {
	for id, w := range c.watches {
		w.remainingTime -= elapsed
		if w.remainingTime > 0 {
			continue
		}
		delete(c.watches, id)
		c.sendRequest(w.urls)
	}
}

// OnResponse matches response requestID against the in-flight request
// and updates cached availability, firing observers for every URL whose
// verdict changed (spec.md §4.G). It returns false if the URL count
// does not match the original request (a malformed response).
func (c *AvailabilityClient) OnResponse(requestID uint64, verdicts []Availability) bool {
	req, ok := c.requests[requestID]
	if !ok {
		c.Logger.Info("availabilityResponseUnmatched")
		return false
	}
	delete(c.requests, requestID)
	if len(req.urls) != len(verdicts) {
		return false
	}
	for i, url := range req.urls {
		c.applyVerdict(url, verdicts[i])
	}
	return true
}

// OnEvent applies an unsolicited PresentationUrlAvailabilityEvent keyed
// by watchID, with the same change-detection semantics as [OnResponse]
// (spec.md §4.G).
func (c *AvailabilityClient) OnEvent(watchID uint64, urls []string, verdicts []Availability) {
	if len(urls) != len(verdicts) {
		return
	}
	for i, url := range urls {
		c.applyVerdict(url, verdicts[i])
	}
}

func (c *AvailabilityClient) applyVerdict(url string, verdict Availability) {
	prev, had := c.current[url]
	if had && prev == verdict {
		return // consecutive duplicate verdicts are suppressed (spec.md §4.G)
	}
	c.current[url] = verdict
	for observer := range c.observers[url] {
		c.notify(observer, url, verdict)
	}
}

func (c *AvailabilityClient) notify(observer AvailabilityObserver, url string, verdict Availability) {
	if verdict == Compatible {
		observer.OnServiceAvailable(url, c.ServiceID)
	} else {
		observer.OnServiceUnavailable(url, c.ServiceID)
	}
}

// sendRequest issues a fresh availability request (and accompanying
// watch) for urls. The actual CBOR encode/write is left to the caller's
// request/response wiring in a full embedder; this method only tracks
// the bookkeeping spec.md §4.G specifies, keyed by a locally generated
// id since request-id assignment is owned by the substrate (component E)
// in the full wiring, not duplicated here.
func (c *AvailabilityClient) sendRequest(urls []string) {
	c.nextLocal++
	requestID := c.nextLocal
	c.requests[requestID] = &availabilityRequest{urls: urls}

	c.nextWatch++
	watchID := c.nextWatch
	c.watches[watchID] = &availabilityWatch{urls: urls, remainingTime: c.TTL}
}

// Close fires OnServiceUnavailable for every URL last known Compatible,
// then clears all state, matching the receiver-removed teardown path
// (spec.md §4.G "On receiver-removed").
func (c *AvailabilityClient) Close() {
	for url, verdict := range c.current {
		if verdict != Compatible {
			continue
		}
		for observer := range c.observers[url] {
			observer.OnServiceUnavailable(url, c.ServiceID)
		}
	}
	c.current = make(map[string]Availability)
	c.requests = make(map[uint64]*availabilityRequest)
	c.watches = make(map[uint64]*availabilityWatch)
	c.observers = make(map[string]map[AvailabilityObserver]bool)
}
