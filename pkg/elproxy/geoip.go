package elproxy

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/pg9182/ip2x"
	"github.com/rs/zerolog"
)

// geoIPMgr wraps a file-backed IP2Location database for the optional,
// non-gating enrichment described by the logging design: a connecting
// client's country/region is attached to its log lines if (and only if) a
// database is configured, and never affects admission. Metrics carry no
// location labels.
// Adapted from the teacher's ip2xMgr (pkg/atlas/util.go).
type geoIPMgr struct {
	file *os.File
	db   *ip2x.DB
	mu   sync.RWMutex
}

// Load replaces the currently loaded database with the specified file. If
// name is empty, the existing database, if any, is reopened (used to
// reload on SIGHUP without changing the configured path).
func (m *geoIPMgr) Load(name string) error {
	if name == "" {
		m.mu.RLock()
		if m.file == nil {
			m.mu.RUnlock()
			return fmt.Errorf("no ip2location database loaded")
		}
		name = m.file.Name()
		m.mu.RUnlock()
	}

	f, err := os.Open(name)
	if err != nil {
		return err
	}

	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return err
	}
	if p, _ := db.Info(); p != ip2x.IP2Location {
		f.Close()
		return fmt.Errorf("not an ip2location database")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		m.file.Close()
	}
	m.file = f
	m.db = db
	return nil
}

// Enrich adds country/region fields to l if a database is loaded and ip has
// a record; otherwise it returns l unchanged.
func (m *geoIPMgr) Enrich(l zerolog.Context, ip netip.Addr) zerolog.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return l
	}
	rec, err := m.db.Lookup(ip)
	if err != nil {
		return l
	}
	if cc, ok := rec.GetString(ip2x.CountryCode); ok {
		l = l.Str("geo_country", cc)
	}
	if reg, ok := rec.GetString(ip2x.Region); ok {
		l = l.Str("geo_region", reg)
	}
	return l
}
