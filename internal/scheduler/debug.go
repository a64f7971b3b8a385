package scheduler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugInfo supplies the live process state the debug HTTP surface
// exposes (spec SPEC_FULL §6.1).
type DebugInfo interface {
	Peers() []string
	Membership() map[string]interface{}
}

// NewDebugServer builds the loopback-only debug HTTP surface: peer list,
// membership view snapshot, and a Prometheus exposition endpoint. Neither
// this constructor nor internal/config checks that the bound address is
// loopback; config only defaults debug.listen_addr to 127.0.0.1:8989.
func NewDebugServer(info DebugInfo) http.Handler {
	r := chi.NewRouter()
	r.Get("/debug/peers", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, info.Peers())
	})
	r.Get("/debug/membership", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, info.Membership())
	})
	r.Handle("/debug/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
