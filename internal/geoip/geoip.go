// Package geoip resolves client IP addresses to coarse locations so the
// live layer can flag reported coordinates that are wildly far from where
// the connection originates. Implausible samples are warned about and
// counted, never rejected: MaxMind city data is kilometres-grade at best
// and VPNs are legitimate.
package geoip

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/crewtrack/crewtrack/internal/geo"
	"github.com/crewtrack/crewtrack/internal/netutil"
)

// ImplausibleDistanceM is the base allowance between a sample and the
// connection's resolved location before the sample is flagged.
const ImplausibleDistanceM = 500_000.0

// downloadTimeout bounds one fetch of a remotely hosted database.
const downloadTimeout = 2 * time.Minute

// Location is the coarse position a client IP resolves to.
type Location struct {
	Latitude         float64
	Longitude        float64
	CountryISO       string
	AccuracyRadiusKm uint16
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude       float64 `maxminddb:"latitude"`
		Longitude      float64 `maxminddb:"longitude"`
		AccuracyRadius uint16  `maxminddb:"accuracy_radius"`
	} `maxminddb:"location"`
}

// Service wraps a MaxMind database reader behind an RWMutex so the source can
// be hot-swapped on a schedule without interrupting lookups. A service built
// with an empty source is permanently disabled and resolves nothing.
type Service struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader

	dbPath   string
	schedule string
	cron     *cron.Cron
	fetcher  *netutil.Fetcher
}

// NewService builds the resolver. dbPath names a local file or an HTTP(S)
// URL to download on every reload; empty keeps the service disabled and
// every lookup misses.
func NewService(dbPath, reloadSchedule string) *Service {
	return &Service{
		dbPath:   dbPath,
		schedule: reloadSchedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		fetcher:  &netutil.Fetcher{Timeout: downloadTimeout, UserAgent: "crewtrack-geoip"},
	}
}

// Enabled reports whether a database path is configured.
func (s *Service) Enabled() bool { return s != nil && s.dbPath != "" }

// Start opens the configured database and schedules periodic reloads so a
// refreshed file on disk is picked up without a restart. Disabled services
// start successfully and do nothing.
func (s *Service) Start() error {
	if !s.Enabled() {
		log.Println("[geoip] no database configured, plausibility checks disabled")
		return nil
	}
	if err := s.Reload(); err != nil {
		return err
	}
	if s.schedule != "" {
		if _, err := s.cron.AddFunc(s.schedule, func() {
			if err := s.Reload(); err != nil {
				log.Printf("[geoip] scheduled reload failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("geoip: schedule %q: %w", s.schedule, err)
		}
		s.cron.Start()
	}
	return nil
}

// Stop halts scheduled reloads and closes the reader.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		_ = r.Close()
	}
}

// Reload opens the database source and swaps it in. Lookups in flight finish
// against the old reader before it is closed.
func (s *Service) Reload() error {
	if !s.Enabled() {
		return nil
	}
	next, err := s.open()
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.reader
	s.reader = next
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Printf("[geoip] database loaded from %s (%d nodes)", s.dbPath, next.Metadata.NodeCount)
	return nil
}

func (s *Service) open() (*maxminddb.Reader, error) {
	if strings.HasPrefix(s.dbPath, "http://") || strings.HasPrefix(s.dbPath, "https://") {
		data, err := s.fetcher.Fetch(context.Background(), s.dbPath)
		if err != nil {
			return nil, fmt.Errorf("geoip: download %s: %w", s.dbPath, err)
		}
		r, err := maxminddb.FromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("geoip: parse %s: %w", s.dbPath, err)
		}
		return r, nil
	}
	r, err := maxminddb.Open(s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", s.dbPath, err)
	}
	return r, nil
}

// Lookup resolves ip to a coarse location. The second return is false when
// the service is disabled, the IP is nil or absent from the database, or the
// record carries no usable coordinates.
func (s *Service) Lookup(ip net.IP) (Location, bool) {
	if s == nil || ip == nil {
		return Location{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return Location{}, false
	}

	var rec cityRecord
	_, found, err := s.reader.LookupNetwork(ip, &rec)
	if err != nil || !found {
		return Location{}, false
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		// Country-only records resolve without coordinates.
		return Location{}, false
	}
	return Location{
		Latitude:         rec.Location.Latitude,
		Longitude:        rec.Location.Longitude,
		CountryISO:       rec.Country.ISOCode,
		AccuracyRadiusKm: rec.Location.AccuracyRadius,
	}, true
}

// IPFromRemoteAddr extracts the IP from an http.Request RemoteAddr, which
// usually carries a port. Returns nil when nothing parses.
func IPFromRemoteAddr(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// Check reports whether coordinates are plausible for a connection that
// resolved to ref, along with the great-circle distance in meters. The
// allowance is the base threshold widened by the record's accuracy radius.
func Check(ref Location, lat, lon float64) (bool, float64) {
	d := geo.Distance(ref.Latitude, ref.Longitude, lat, lon)
	allowance := ImplausibleDistanceM + float64(ref.AccuracyRadiusKm)*1000
	return d <= allowance, d
}
