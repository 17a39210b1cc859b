// Package stages provides the built-in pipeline stages: request
// enrichment, routing, and upstream dispatch. Every server's chain is
// assembled from these; the chain order is fixed by each stage's
// declared context keys.
package stages

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/relay/internal/pipeline"
)

// requestIDHeader is propagated upstream so backends can correlate.
const requestIDHeader = "X-Request-Id"

// EnrichFactory builds the stage that stamps each request with an
// identifier and a start time before routing runs.
type EnrichFactory struct{}

func (EnrichFactory) Name() string             { return "enrich" }
func (EnrichFactory) Requires() []pipeline.Key { return nil }
func (EnrichFactory) Produces() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyRequestID, pipeline.KeyStartTime}
}

func (EnrichFactory) New(inner pipeline.Stage) (pipeline.Stage, error) {
	return pipeline.StageFunc(func(rc *pipeline.Context, req *http.Request) (*http.Response, error) {
		id := req.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			req.Header.Set(requestIDHeader, id)
		}
		rc.SetRequestID(id)
		rc.SetStartTime(time.Now())
		return inner.Serve(rc, req)
	}), nil
}
