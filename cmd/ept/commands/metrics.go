package commands

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entwine-go/ept/metrics"
)

// startMetrics starts a Prometheus /metrics server on addr in the
// background and returns the Registry the caller should observe cache
// activity through, or nil if addr is empty (metrics publishing is
// opt-in; everything upstream already accepts a nil *metrics.Registry).
func startMetrics(addr string) *metrics.Registry {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	r := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
	return r
}
