// Package health serves the /health endpoint and runs the self-monitor
// that decides when the process should stop.
//
// Both evaluate the same [Source] probes, gateway readiness and the
// event-log connection in the usual wiring. The handler answers
// per-request so orchestrators can poll; the [Monitor] keeps a
// consecutive-failure streak and returns [ErrUnhealthy] once the streak
// reaches its threshold, which the caller treats as a fatal verdict.
package health

import (
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// Source is a named readiness probe. Check returns nil while the probed
// component is healthy and a short reason otherwise. Checks must be cheap;
// they run on every /health request and every monitor tick.
type Source struct {
	Name  string
	Check func() error
}

// failures evaluates every source in order and collects the reasons that
// failed.
func failures(sources []Source) []string {
	var reasons []string
	for _, s := range sources {
		if err := s.Check(); err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	return reasons
}

// Handler answers GET /health with 200 "OK" when every source passes and
// 503 with the joined failure reasons otherwise. Every other path is 404.
// It is safe for concurrent use; the source list is fixed at construction.
type Handler struct {
	sources []Source
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a [Handler] that evaluates the given sources on each
// request, in the order provided.
func NewHandler(sources ...Source) *Handler {
	return &Handler{sources: slices.Clone(sources)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" {
		respond(w, http.StatusNotFound, "Not Found")
		return
	}

	if reasons := failures(h.sources); len(reasons) > 0 {
		msg := strings.Join(reasons, ", ")
		slog.Warn("health check failed", "reasons", msg)
		respond(w, http.StatusServiceUnavailable, "Service Unavailable: "+msg)
		return
	}
	respond(w, http.StatusOK, "OK")
}

// respond writes a plain-text body. Clients compare the body textually, so
// no trailing newline is added.
func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
