package stages

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/pipeline"
	"github.com/wudi/relay/internal/router"
)

// RouteFactory builds the routing stage. It resolves the request path
// against the generation's compiled route table and records the match;
// an unmatched path short-circuits with a 404.
type RouteFactory struct {
	Router *router.Router
}

func (RouteFactory) Name() string             { return "route" }
func (RouteFactory) Requires() []pipeline.Key { return nil }
func (RouteFactory) Produces() []pipeline.Key { return []pipeline.Key{pipeline.KeyRoute} }

func (f RouteFactory) New(inner pipeline.Stage) (pipeline.Stage, error) {
	rt := f.Router
	return pipeline.StageFunc(func(rc *pipeline.Context, req *http.Request) (*http.Response, error) {
		m := rt.Lookup(req.URL.Path)
		if m == nil {
			logging.Debug("no route", zap.String("path", req.URL.Path))
			return respond(http.StatusNotFound), nil
		}
		rc.SetRoute(m.Route, m.Params)
		return inner.Serve(rc, req)
	}), nil
}

// respond synthesizes a small plaintext response with the given
// status. The body must be non-empty: Response.Write drops a zero
// Content-Length, which would break downstream keep-alive framing.
func respond(status int) *http.Response {
	body := http.StatusText(status) + "\n"
	return &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
