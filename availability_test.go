// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAvailabilityObserver struct {
	available   []string
	unavailable []string
}

func (o *fakeAvailabilityObserver) OnServiceAvailable(url, serviceID string) {
	o.available = append(o.available, url)
}

func (o *fakeAvailabilityObserver) OnServiceUnavailable(url, serviceID string) {
	o.unavailable = append(o.unavailable, url)
}

func TestAvailabilityClientDefaultTTL(t *testing.T) {
	c := NewAvailabilityClient("svc-1", 0, DefaultSLogger())
	assert.Equal(t, DefaultAvailabilityWatchTTL, c.TTL)
}

func TestAvailabilityClientAddObserverWithoutCacheSendsRequest(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}

	c.AddObserver([]string{"https://a.example/", "https://b.example/"}, obs, 0)

	assert.Empty(t, obs.available)
	assert.Empty(t, obs.unavailable)
	assert.Len(t, c.requests, 1)
	assert.Len(t, c.watches, 1)
}

func TestAvailabilityClientAddObserverWithCacheFiresImmediately(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	c.current["https://a.example/"] = Compatible

	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/"}, obs, 0)

	assert.Equal(t, []string{"https://a.example/"}, obs.available)
}

func TestAvailabilityClientOnResponseFansOutOnChange(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obsA := &fakeAvailabilityObserver{}
	obsB := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/"}, obsA, 0)
	c.AddObserver([]string{"https://b.example/"}, obsB, 0)
	require.Len(t, c.requests, 2)

	var requestIDs []uint64
	for id := range c.requests {
		requestIDs = append(requestIDs, id)
	}

	ok := c.OnResponse(requestIDs[0], []Availability{Compatible})
	require.True(t, ok)

	// Exactly one of the two observers should have been notified,
	// depending on which request id we picked.
	notified := len(obsA.available) + len(obsB.available)
	assert.Equal(t, 1, notified)
}

func TestAvailabilityClientOnResponseRejectsMismatchedCount(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/", "https://b.example/"}, obs, 0)
	var requestID uint64
	for id := range c.requests {
		requestID = id
	}

	ok := c.OnResponse(requestID, []Availability{Compatible})

	assert.False(t, ok)
}

func TestAvailabilityClientSuppressesDuplicateVerdicts(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/"}, obs, 0)
	var requestID uint64
	for id := range c.requests {
		requestID = id
	}
	require.True(t, c.OnResponse(requestID, []Availability{Compatible}))
	require.Len(t, obs.available, 1)

	c.OnEvent(999, []string{"https://a.example/"}, []Availability{Compatible})

	assert.Len(t, obs.available, 1)
}

func TestAvailabilityClientRefreshWatchesReissuesExpired(t *testing.T) {
	c := NewAvailabilityClient("svc-1", 10*Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/"}, obs, 0)
	require.Len(t, c.watches, 1)
	require.Len(t, c.requests, 1)

	c.RefreshWatches(11 * Second)

	assert.Len(t, c.watches, 1)
	assert.Len(t, c.requests, 2)
}

func TestAvailabilityClientRemoveObserverDropsExactSubsetWatch(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/"}, obs, 0)
	require.Len(t, c.watches, 1)

	c.RemoveObserver([]string{"https://a.example/"}, obs)

	assert.Empty(t, c.watches)
	assert.Empty(t, c.current)
}

func TestAvailabilityClientRemoveObserverKeepsSupersetWatch(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/", "https://b.example/"}, obs, 0)
	require.Len(t, c.watches, 1)

	// Dropping only "a" empties its observer set, but the existing watch
	// covers {a,b}, a strict superset of the dropped {a} — it must
	// survive (spec.md §9 open-question resolution: subset match
	// only).
	c.RemoveObserver([]string{"https://a.example/"}, obs)

	assert.Len(t, c.watches, 1)
}

func TestAvailabilityClientRemoveObserverDropsAllSubsetWatches(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/"}, obs, 0)
	c.AddObserver([]string{"https://a.example/", "https://b.example/"}, obs, 0)
	require.Len(t, c.watches, 2)

	// Dropping both "a" and "b" empties both URLs' observer sets. Both the
	// {a} watch and the {a,b} watch are subsets of {a,b} and must both be
	// dropped, not just the one matching by exact equality.
	c.RemoveObserver([]string{"https://a.example/", "https://b.example/"}, obs)

	assert.Empty(t, c.watches)
}

func TestAvailabilityClientCloseFiresUnavailableForCompatibleOnly(t *testing.T) {
	c := NewAvailabilityClient("svc-1", Second, DefaultSLogger())
	obs := &fakeAvailabilityObserver{}
	c.AddObserver([]string{"https://a.example/", "https://b.example/"}, obs, 0)
	var ids []uint64
	for id := range c.requests {
		ids = append(ids, id)
	}
	require.True(t, c.OnResponse(ids[0], []Availability{Compatible, NotCompatible}))

	c.Close()

	assert.Equal(t, []string{"https://a.example/"}, obs.unavailable)
	assert.Empty(t, c.current)
}
