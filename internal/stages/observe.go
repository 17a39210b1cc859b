package stages

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/metrics"
	"github.com/wudi/relay/internal/pipeline"
)

// ObserveFactory builds the outermost stage: per-request counters and
// latency. Placed outside enrich so the measured window covers the
// whole chain.
type ObserveFactory struct {
	Server  string
	Metrics *metrics.Collector
}

func (ObserveFactory) Name() string             { return "observe" }
func (ObserveFactory) Requires() []pipeline.Key { return nil }
func (ObserveFactory) Produces() []pipeline.Key { return nil }

func (f ObserveFactory) New(inner pipeline.Stage) (pipeline.Stage, error) {
	m := f.Metrics
	server := f.Server
	return pipeline.StageFunc(func(rc *pipeline.Context, req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := inner.Serve(rc, req)
		m.RequestDuration.WithLabelValues(server).Observe(time.Since(start).Seconds())

		if err != nil {
			if pe, ok := errors.AsProxyError(err); ok {
				m.UpstreamErrors.WithLabelValues(pe.Class.String()).Inc()
			}
			if status := errors.StatusFor(err); status > 0 {
				m.RequestsTotal.WithLabelValues(server, strconv.Itoa(status)).Inc()
			}
			return nil, err
		}
		m.RequestsTotal.WithLabelValues(server, strconv.Itoa(resp.StatusCode)).Inc()
		return resp, nil
	}), nil
}
