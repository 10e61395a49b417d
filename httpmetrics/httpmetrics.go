// Package httpmetrics wraps an http.Handler with an OpenCensus request
// counter tagged by path and status.
package httpmetrics

import (
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

type Wrapper struct {
	requestCount     *stats.Int64Measure
	requestCountView *view.View

	inner http.Handler
}

func New(inner http.Handler) *Wrapper {
	w := &Wrapper{}

	w.requestCount = stats.Int64("fieldserve/requests", "", stats.UnitDimensionless)
	w.requestCountView = &view.View{
		Name:        "fieldserve/requests",
		Description: "Counter of API requests that have been handled",

		TagKeys: []tag.Key{tag.MustNewKey("path"), tag.MustNewKey("status")},

		Measure:     w.requestCount,
		Aggregation: view.Count(),
	}

	w.inner = inner

	return w
}

func (h *Wrapper) RegisterMetrics() {
	view.Register(h.requestCountView)
}

// statusRecorder captures the status code written by the inner handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	h.inner.ServeHTTP(recorder, r)

	glog.Infof("Served path=%q status=%d remoteaddr=%q", r.URL.Path, recorder.status, r.RemoteAddr)

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(tag.MustNewKey("path"), r.URL.Path),
			tag.Insert(tag.MustNewKey("status"), strconv.Itoa(recorder.status)),
		),
		stats.WithMeasurements(h.requestCount.M(1)))
}
