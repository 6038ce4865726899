package elproxy

import "net/http"

// newAdminMux builds the small admin HTTP handler serving /metrics (gated
// by an optional shared secret) and /healthz (reports whether the proxy is
// in the Running state), separate from the EchoLink-facing listener.
func newAdminMux(m *proxyMetrics, secret string, running func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.ServeHTTP(secret, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !running() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}
