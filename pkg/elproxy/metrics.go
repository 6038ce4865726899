package elproxy

import (
	"crypto/subtle"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// counterPair bundles a byte counter alongside its matching frame counter,
// so forwarders and handlers can update both with one call.
type counterPair struct {
	bytes *metrics.Counter
	frame *metrics.Counter
}

func (c *counterPair) add(n int) {
	c.frame.Inc()
	c.bytes.Add(n)
}

// proxyMetrics holds every counter/gauge elproxy exposes, registered in a
// private [metrics.Set] rather than the package-global default set, so
// multiple Proxy instances (as used in tests) don't collide.
type proxyMetrics struct {
	set *metrics.Set

	slotsTotal  *metrics.Gauge
	slotsUsed   *metrics.Gauge
	workersIdle *metrics.Gauge

	authTotalOK     *metrics.Counter
	authTotalBadPwd *metrics.Counter
	authTotalDenied *metrics.Counter
	authTotalFrame  *metrics.Counter

	registrationOK   *metrics.Counter
	registrationFail *metrics.Counter

	noSlot *metrics.Counter

	tcpOut     *counterPair
	udpDataIn  *counterPair
	udpDataOut *counterPair
	udpCtrlIn  *counterPair
	udpCtrlOut *counterPair
}

func newProxyMetrics(slotsTotal, slotsUsed, workersIdle func() float64) *proxyMetrics {
	set := metrics.NewSet()
	m := &proxyMetrics{set: set}

	m.slotsTotal = set.NewGauge("elproxy_slots_total", slotsTotal)
	m.slotsUsed = set.NewGauge("elproxy_slots_used", slotsUsed)
	m.workersIdle = set.NewGauge("elproxy_workers_idle", workersIdle)

	m.authTotalOK = set.NewCounter(`elproxy_auth_total{result="ok"}`)
	m.authTotalBadPwd = set.NewCounter(`elproxy_auth_total{result="bad_password"}`)
	m.authTotalDenied = set.NewCounter(`elproxy_auth_total{result="access_denied"}`)
	m.authTotalFrame = set.NewCounter(`elproxy_auth_total{result="invalid_frame"}`)

	m.registrationOK = set.NewCounter(`elproxy_registration_total{result="ok"}`)
	m.registrationFail = set.NewCounter(`elproxy_registration_total{result="error"}`)

	m.noSlot = set.NewCounter("elproxy_no_slot_total")

	m.tcpOut = &counterPair{
		bytes: set.NewCounter(`elproxy_bytes_total{type="tcp",dir="out"}`),
		frame: set.NewCounter(`elproxy_frames_total{type="tcp",dir="out"}`),
	}
	m.udpDataIn = &counterPair{
		bytes: set.NewCounter(`elproxy_bytes_total{type="udp_data",dir="in"}`),
		frame: set.NewCounter(`elproxy_frames_total{type="udp_data",dir="in"}`),
	}
	m.udpDataOut = &counterPair{
		bytes: set.NewCounter(`elproxy_bytes_total{type="udp_data",dir="out"}`),
		frame: set.NewCounter(`elproxy_frames_total{type="udp_data",dir="out"}`),
	}
	m.udpCtrlIn = &counterPair{
		bytes: set.NewCounter(`elproxy_bytes_total{type="udp_control",dir="in"}`),
		frame: set.NewCounter(`elproxy_frames_total{type="udp_control",dir="in"}`),
	}
	m.udpCtrlOut = &counterPair{
		bytes: set.NewCounter(`elproxy_bytes_total{type="udp_control",dir="out"}`),
		frame: set.NewCounter(`elproxy_frames_total{type="udp_control",dir="out"}`),
	}
	return m
}

// ServeHTTP implements an admin /metrics endpoint gated by an optional
// shared secret, the way the teacher's serveRest gates its own internal
// metrics behind a query-string secret.
func (m *proxyMetrics) ServeHTTP(secret string, w http.ResponseWriter, r *http.Request) {
	if secret != "" && !constantTimeEqual(r.URL.Query().Get("secret"), secret) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.set.WritePrometheus(w)
}

// constantTimeEqual compares two strings without leaking their common
// prefix length through timing, the way checkPasswordResponse in digest.go
// compares password responses.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
