// Package prometheusexp exposes a tfmetrics.Registry in Prometheus text
// exposition format over HTTP.
package prometheusexp

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/internal/tfmetrics"
)

var log = tflog.New("metrics")

// Handler returns an HTTP handler that dumps the registry in Prometheus
// format on every request (metrics are cheap to snapshot; no caching).
func Handler(reg tfmetrics.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var names []string
		reg.Each(func(name string, i any) {
			names = append(names, name)
		})
		sort.Strings(names)

		c := newCollector()
		for _, name := range names {
			switch m := reg.Get(name).(type) {
			case tfmetrics.Counter:
				c.addCounter(name, m.Snapshot())
			case tfmetrics.Gauge:
				c.addGauge(name, m.Snapshot())
			case tfmetrics.GaugeFloat64:
				c.addGaugeFloat64(name, m.Snapshot())
			case tfmetrics.Histogram:
				c.addHistogram(name, m.Snapshot())
			default:
				log.Warn("unknown metric type in registry", "name", name, "type", fmt.Sprintf("%T", m))
			}
		}

		w.Header().Add("Content-Type", "text/plain; version=0.0.4")
		w.Header().Add("Content-Length", fmt.Sprint(c.buff.Len()))
		w.Write(c.buff.Bytes())
	})
}

type collector struct {
	buff *strings.Builder
}

func newCollector() *collector {
	return &collector{buff: &strings.Builder{}}
}

func (c *collector) addCounter(name string, v int64) {
	name = sanitize(name)
	fmt.Fprintf(c.buff, "# TYPE %s counter\n%s %d\n", name, name, v)
}

func (c *collector) addGauge(name string, v int64) {
	name = sanitize(name)
	fmt.Fprintf(c.buff, "# TYPE %s gauge\n%s %d\n", name, name, v)
}

func (c *collector) addGaugeFloat64(name string, v float64) {
	name = sanitize(name)
	fmt.Fprintf(c.buff, "# TYPE %s gauge\n%s %g\n", name, name, v)
}

func (c *collector) addHistogram(name string, s tfmetrics.HistogramSnapshot) {
	name = sanitize(name)
	fmt.Fprintf(c.buff, "# TYPE %s summary\n", name)
	fmt.Fprintf(c.buff, "%s{quantile=\"0.5\"} %g\n", name, s.P50)
	fmt.Fprintf(c.buff, "%s{quantile=\"0.75\"} %g\n", name, s.P75)
	fmt.Fprintf(c.buff, "%s{quantile=\"0.95\"} %g\n", name, s.P95)
	fmt.Fprintf(c.buff, "%s{quantile=\"0.99\"} %g\n", name, s.P99)
	fmt.Fprintf(c.buff, "%s_sum %g\n", name, s.Mean*float64(s.Count))
	fmt.Fprintf(c.buff, "%s_count %d\n", name, s.Count)
}

// sanitize converts a dotted registry name ("ingest.pages_fetched") into a
// Prometheus-valid metric name ("ingest_pages_fetched").
func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", "{", "_", "}", "", "=", "_", "\"", "").Replace(name)
}
