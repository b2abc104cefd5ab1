package sodar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(server.URL, StaticToken("secret"), time.Second, 5*time.Second)
	client.retryDelay = time.Millisecond
	return client, server
}

func zonesJSON(zones ...LandingZone) []byte {
	data, _ := json.Marshal(zones)
	return data
}

func TestListZonesFiltersAndSorts(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/landingzones/api/list/proj-1", r.URL.Path)
		w.Write(zonesJSON(
			LandingZone{UUID: "b", Status: StatusActive, DateModified: now.Add(time.Hour)},
			LandingZone{UUID: "a", Status: StatusActive, DateModified: now},
			LandingZone{UUID: "c", Status: StatusMoved, DateModified: now.Add(2 * time.Hour)},
			LandingZone{UUID: "d", Status: StatusFailed, DateModified: now.Add(30 * time.Minute)},
		))
	})
	client, _ := newTestClient(t, handler)

	zones, err := client.ListZones(context.Background(), "proj-1", StatusActive, StatusFailed)
	require.NoError(t, err)
	require.Len(t, zones, 3)
	assert.Equal(t, "a", zones[0].UUID)
	assert.Equal(t, "d", zones[1].UUID)
	assert.Equal(t, "b", zones[2].UUID)
}

func TestRetrieveZone(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/landingzones/api/retrieve/zone-1", r.URL.Path)
		json.NewEncoder(w).Encode(LandingZone{
			UUID:     "zone-1",
			Status:   StatusActive,
			RootPath: "/grid/projects/p1/landing_zones/zone-1",
		})
	})
	client, _ := newTestClient(t, handler)

	zone, err := client.RetrieveZone(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, zone.Status)
	assert.Equal(t, "/grid/projects/p1/landing_zones/zone-1", zone.RootPath)
}

func TestRetrieveZoneNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	client, _ := newTestClient(t, handler)

	_, err := client.RetrieveZone(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestSubmitMove(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/landingzones/api/submit/move/zone-1", r.URL.Path)
		w.Write([]byte(`{"sodar_uuid": "zone-1"}`))
	})
	client, _ := newTestClient(t, handler)

	uuid, err := client.SubmitMove(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, "zone-1", uuid)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"sodar_uuid": "zone-1"}`))
	})
	client, _ := newTestClient(t, handler)

	uuid, err := client.SubmitValidate(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, "zone-1", uuid)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReauthenticatesOnRejectedToken(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token fresh" {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		calls.Add(1)
		json.NewEncoder(w).Encode(LandingZone{UUID: "zone-1", Status: StatusActive})
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	auth := &scriptedAuth{tokens: []string{"stale", "fresh"}}
	client := NewClient(server.URL, auth, time.Second, 5*time.Second)
	client.retryDelay = time.Millisecond

	zone, err := client.RetrieveZone(context.Background(), "zone-1")
	require.NoError(t, err)
	assert.Equal(t, "zone-1", zone.UUID)
	assert.Equal(t, 1, auth.invalidations)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExhaustedAttemptsSurfaceCause(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusBadGateway)
	})
	client, _ := newTestClient(t, handler)

	_, err := client.ListZones(context.Background(), "proj-1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "after 3 attempts")
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
}

// scriptedAuth hands out tokens in order, advancing on Invalidate.
type scriptedAuth struct {
	tokens        []string
	index         int
	invalidations int
}

func (a *scriptedAuth) Token(context.Context) (string, error) {
	if a.index >= len(a.tokens) {
		return "", errors.New("out of tokens")
	}
	return a.tokens[a.index], nil
}

func (a *scriptedAuth) Invalidate() {
	a.invalidations++
	a.index++
}

func TestZoneStatusPredicates(t *testing.T) {
	assert.True(t, StatusActive.Usable())
	assert.True(t, StatusFailed.Usable())
	assert.False(t, StatusMoved.Usable())
	assert.True(t, StatusMoved.Terminal())
	assert.True(t, StatusDeleted.Terminal())
	assert.False(t, StatusCreating.Terminal())
}
