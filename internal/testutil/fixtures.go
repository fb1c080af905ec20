// Package testutil holds the heavyweight fixtures shared by service-level
// tests: a real SQLite store on a temp dir, a miniredis-backed cache, and a
// started error sink. Package-local helpers stay in their own _test files;
// only cross-package plumbing lives here.
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/store"
)

// NewStore opens a migrated SQLite store under t.TempDir.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/crewtrack.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewCache starts a cache against a fresh miniredis. The miniredis handle is
// returned so tests can kill the server to force local-fallback paths.
func NewCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New(cache.Options{
		RedisURL:             "redis://" + mr.Addr(),
		LocalMaxEntries:      1024,
		ReconnectBase:        time.Millisecond,
		ReconnectMax:         2 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ProbeInterval:        20 * time.Millisecond,
		ProbeJitter:          5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	c.Start()
	t.Cleanup(c.Stop)
	WaitFor(t, 2*time.Second, "cache connected", c.IsConnected)
	return c, mr
}

// NewSink returns a started error sink flushing into the store.
func NewSink(t *testing.T, st *store.Store) *errorlog.Sink {
	t.Helper()
	sink := errorlog.New(errorlog.Config{
		Store:         st,
		FlushInterval: 10 * time.Millisecond,
	})
	sink.Start()
	t.Cleanup(sink.Stop)
	return sink
}

// SeedCompany inserts an active company and returns it.
func SeedCompany(t *testing.T, st *store.Store, id string) model.Company {
	t.Helper()
	now := time.Now().UnixMilli()
	c := model.Company{
		ID: id, Name: "Acme Field Services", Status: model.CompanyStatusActive,
		CreatedAtMs: now, UpdatedAtMs: now,
	}
	if err := st.UpsertCompany(c); err != nil {
		t.Fatalf("seed company: %v", err)
	}
	return c
}

// SeedUser fills defaults (active, employee, name/email derived from the id)
// and inserts the user.
func SeedUser(t *testing.T, st *store.Store, u model.User) model.User {
	t.Helper()
	now := time.Now().UnixMilli()
	if u.Name == "" {
		u.Name = "User " + u.ID
	}
	if u.Email == "" {
		u.Email = u.ID + "@acme.test"
	}
	if u.Role == "" {
		u.Role = model.RoleEmployee
	}
	u.Active = true
	u.CreatedAtMs = now
	u.UpdatedAtMs = now
	if err := st.UpsertUser(u); err != nil {
		t.Fatalf("seed user %s: %v", u.ID, err)
	}
	return u
}

// SeedCircleFence inserts an active circular fence.
func SeedCircleFence(t *testing.T, st *store.Store, id, companyID string, lat, lon, radiusM float64) model.Geofence {
	t.Helper()
	now := time.Now().UnixMilli()
	g := model.Geofence{
		ID: id, CompanyID: companyID, Name: "Fence " + id,
		Kind: model.GeofenceCircle, CenterLat: lat, CenterLon: lon, RadiusM: radiusM,
		Active: true, CreatedAtMs: now, UpdatedAtMs: now,
	}
	if err := st.UpsertGeofence(g); err != nil {
		t.Fatalf("seed fence %s: %v", id, err)
	}
	return g
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
