package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterVecReusesRegisteredCollector(t *testing.T) {
	opts := prometheus.CounterOpts{Subsystem: "test", Name: "reuse_total", Help: "test counter"}
	first := CounterVec(opts, []string{"outcome"})
	second := CounterVec(opts, []string{"outcome"})

	first.WithLabelValues("ok").Inc()
	second.WithLabelValues("ok").Inc()

	if got := testutil.ToFloat64(first.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected shared counter at 2, got %v", got)
	}
}

func TestGaugeReusesRegisteredCollector(t *testing.T) {
	opts := prometheus.GaugeOpts{Subsystem: "test", Name: "depth", Help: "test gauge"}
	Gauge(opts).Set(3)
	if got := testutil.ToFloat64(Gauge(opts)); got != 3 {
		t.Fatalf("expected shared gauge at 3, got %v", got)
	}
}
