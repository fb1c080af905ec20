// Package geofence owns fence CRUD, containment queries, and the boundary
// hysteresis state machine. Active fences are cached per company with a
// short TTL so the ingest hot path stays off the database.
package geofence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/crewtrack/crewtrack/internal/geo"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/store"
)

const (
	fenceCacheCapacity = 10_000
	fenceCacheTTL      = 30 * time.Second
)

// ErrNotFound, ErrCompanyNotFound, and ErrInvalid are mapped to the API
// error taxonomy by the service layer.
var (
	ErrNotFound        = errors.New("geofence not found")
	ErrCompanyNotFound = errors.New("company not found")
	ErrInvalid         = errors.New("invalid geofence")
)

// Service provides fence CRUD and containment.
type Service struct {
	store  *store.Store
	fences otter.Cache[string, []compiledFence]
	now    func() time.Time
}

// compiledFence is the containment-ready form: polygon rings parsed once per
// cache fill instead of per sample.
type compiledFence struct {
	id        string
	name      string
	kind      model.GeofenceKind
	centerLat float64
	centerLon float64
	radiusM   float64
	ring      [][2]float64
}

// NewService creates the fence service.
func NewService(st *store.Store) *Service {
	fences, err := otter.MustBuilder[string, []compiledFence](fenceCacheCapacity).
		Cost(func(_ string, v []compiledFence) uint32 { return uint32(len(v)) + 1 }).
		WithTTL(fenceCacheTTL).
		Build()
	if err != nil {
		panic("geofence: failed to create fence cache: " + err.Error())
	}
	return &Service{store: st, fences: fences, now: time.Now}
}

// Create validates and stores a new fence, assigning its ID when empty.
func (s *Service) Create(g model.Geofence) (*model.Geofence, error) {
	company, err := s.store.GetCompany(g.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("lookup company: %w", err)
	}
	if company == nil {
		return nil, ErrCompanyNotFound
	}
	if err := validate(&g); err != nil {
		return nil, err
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	nowMs := s.now().UnixMilli()
	g.CreatedAtMs = nowMs
	g.UpdatedAtMs = nowMs
	if err := s.store.UpsertGeofence(g); err != nil {
		return nil, fmt.Errorf("store geofence: %w", err)
	}
	s.fences.Delete(g.CompanyID)
	return &g, nil
}

// Update loads the fence, applies the caller's mutation, re-validates, and
// saves. The mutation must not change ID or CompanyID.
func (s *Service) Update(id string, apply func(*model.Geofence) error) (*model.Geofence, error) {
	g, err := s.store.GetGeofence(id)
	if err != nil {
		return nil, fmt.Errorf("lookup geofence: %w", err)
	}
	if g == nil {
		return nil, ErrNotFound
	}

	if err := apply(g); err != nil {
		return nil, err
	}
	if err := validate(g); err != nil {
		return nil, err
	}

	g.UpdatedAtMs = s.now().UnixMilli()
	if err := s.store.UpsertGeofence(*g); err != nil {
		return nil, fmt.Errorf("store geofence: %w", err)
	}
	s.fences.Delete(g.CompanyID)
	return g, nil
}

// Delete removes a fence scoped to its company.
func (s *Service) Delete(id, companyID string) error {
	g, err := s.store.GetGeofence(id)
	if err != nil {
		return fmt.Errorf("lookup geofence: %w", err)
	}
	if g == nil || g.CompanyID != companyID {
		return ErrNotFound
	}
	if err := s.store.DeleteGeofence(id); err != nil {
		return fmt.Errorf("delete geofence: %w", err)
	}
	s.fences.Delete(companyID)
	return nil
}

// Get returns one fence.
func (s *Service) Get(id string) (*model.Geofence, error) {
	g, err := s.store.GetGeofence(id)
	if err != nil {
		return nil, fmt.Errorf("lookup geofence: %w", err)
	}
	if g == nil {
		return nil, ErrNotFound
	}
	return g, nil
}

// List returns a company's fences.
func (s *Service) List(companyID string, activeOnly bool) ([]model.Geofence, error) {
	return s.store.ListCompanyGeofences(companyID, activeOnly)
}

// Locate evaluates the company's active fences and returns the first one
// containing the point.
func (s *Service) Locate(companyID string, lat, lon float64) (inside bool, fenceID, fenceName string, err error) {
	fences, err := s.activeFences(companyID)
	if err != nil {
		return false, "", "", err
	}
	for _, f := range fences {
		if f.contains(lat, lon) {
			return true, f.id, f.name, nil
		}
	}
	return false, "", "", nil
}

// HasActiveFences reports whether the company has any usable active fence.
// Companies without fences do not gate shift starts on containment.
func (s *Service) HasActiveFences(companyID string) (bool, error) {
	fences, err := s.activeFences(companyID)
	return len(fences) > 0, err
}

// Invalidate drops a company's cached fences, forcing a reload on next use.
func (s *Service) Invalidate(companyID string) {
	s.fences.Delete(companyID)
}

func (s *Service) activeFences(companyID string) ([]compiledFence, error) {
	if cached, ok := s.fences.Get(companyID); ok {
		return cached, nil
	}

	rows, err := s.store.ListCompanyGeofences(companyID, true)
	if err != nil {
		return nil, fmt.Errorf("load fences: %w", err)
	}
	compiled := make([]compiledFence, 0, len(rows))
	for _, g := range rows {
		cf, err := compile(g)
		if err != nil {
			// A malformed stored fence must not poison containment for
			// the whole company.
			continue
		}
		compiled = append(compiled, cf)
	}
	s.fences.Set(companyID, compiled)
	return compiled, nil
}

func (f compiledFence) contains(lat, lon float64) bool {
	switch f.kind {
	case model.GeofenceCircle:
		return geo.PointInCircle(lat, lon, f.centerLat, f.centerLon, f.radiusM)
	case model.GeofencePolygon:
		return geo.PointInPolygon(lat, lon, f.ring)
	}
	return false
}

func compile(g model.Geofence) (compiledFence, error) {
	cf := compiledFence{
		id: g.ID, name: g.Name, kind: g.Kind,
		centerLat: g.CenterLat, centerLon: g.CenterLon, radiusM: g.RadiusM,
	}
	if g.Kind == model.GeofencePolygon {
		ring, err := parseRing(g.PolygonJSON)
		if err != nil {
			return compiledFence{}, err
		}
		cf.ring = ring
	}
	return cf, nil
}

func parseRing(polygonJSON string) ([][2]float64, error) {
	var points []model.Point
	if err := json.Unmarshal([]byte(polygonJSON), &points); err != nil {
		return nil, fmt.Errorf("%w: polygon: %v", ErrInvalid, err)
	}
	if len(points) < 3 {
		return nil, fmt.Errorf("%w: polygon needs at least 3 vertices", ErrInvalid)
	}
	ring := make([][2]float64, len(points))
	for i, p := range points {
		if !geo.IsFiniteCoord(p.Lat, p.Lon) {
			return nil, fmt.Errorf("%w: polygon vertex %d out of range", ErrInvalid, i)
		}
		ring[i] = [2]float64{p.Lat, p.Lon}
	}
	return ring, nil
}

func validate(g *model.Geofence) error {
	if g.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if !g.Kind.IsValid() {
		return fmt.Errorf("%w: kind must be polygon or circle", ErrInvalid)
	}
	switch g.Kind {
	case model.GeofenceCircle:
		if g.RadiusM <= 0 {
			return fmt.Errorf("%w: radius must be positive", ErrInvalid)
		}
		if !geo.IsFiniteCoord(g.CenterLat, g.CenterLon) {
			return fmt.Errorf("%w: center out of range", ErrInvalid)
		}
	case model.GeofencePolygon:
		if _, err := parseRing(g.PolygonJSON); err != nil {
			return err
		}
	}
	return nil
}
