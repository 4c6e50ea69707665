// Package proxy is the runner's single public listener: it terminates
// every inbound HTTP request, matches it to a service by URL prefix, gates
// it against that service's declared OpenAPI paths, picks a healthy
// replica by round robin, and forwards it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wasmrig/runner/internal/logging"
	"github.com/wasmrig/runner/internal/state"
)

// ErrorKind classifies why a request was not forwarded.
type ErrorKind string

const (
	UnknownPrefix    ErrorKind = "UnknownPrefix"
	PathNotInOpenApi ErrorKind = "PathNotInOpenApi"
	NoHealthyReplica ErrorKind = "NoHealthyReplica"
	UpstreamConnect  ErrorKind = "UpstreamConnect"
	UpstreamTimeout  ErrorKind = "UpstreamTimeout"
	UpstreamProtocol ErrorKind = "UpstreamProtocol"
)

var statusForKind = map[ErrorKind]int{
	UnknownPrefix:    http.StatusNotFound,
	PathNotInOpenApi: http.StatusNotFound,
	NoHealthyReplica: http.StatusServiceUnavailable,
	UpstreamConnect:  http.StatusBadGateway,
	UpstreamTimeout:  http.StatusGatewayTimeout,
	UpstreamProtocol: http.StatusBadGateway,
}

var messageForKind = map[ErrorKind]string{
	UnknownPrefix:    "no service registered for this path prefix",
	PathNotInOpenApi: "path not declared in openapi",
	NoHealthyReplica: "no healthy replica available",
	UpstreamConnect:  "upstream connection failed",
	UpstreamTimeout:  "upstream request timed out",
	UpstreamProtocol: "upstream returned a malformed response",
}

const (
	dialTimeout    = 1 * time.Second
	headerTimeout  = 10 * time.Second
	bodyIdleTimout = 30 * time.Second
)

// Router serves the fleet's traffic and the dashboard behind one listener.
type Router struct {
	State  *state.CatalogState
	Log    *state.EventLog
	Stats  *state.StatsStore
	Logger logging.Logger

	// Dashboard, when set, is mounted under /dashboard. It's the chi router
	// built by internal/dashboard, held as a plain http.Handler so this
	// package doesn't import that one.
	Dashboard http.Handler

	transportOnce sync.Once
	transport     *http.Transport
}

func (rt *Router) ensureTransport() *http.Transport {
	rt.transportOnce.Do(func() {
		rt.transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
			ResponseHeaderTimeout: headerTimeout,
			IdleConnTimeout:       bodyIdleTimout,
		}
	})
	return rt.transport
}

// Handler builds the chi mux serving /health, /dashboard, and every
// registered service prefix.
func (rt *Router) Handler() http.Handler {
	rt.ensureTransport()

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if rt.Dashboard != nil {
		r.Mount("/dashboard", http.StripPrefix("/dashboard", rt.Dashboard))
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			rt.Dashboard.ServeHTTP(w, req)
		})
	}

	r.NotFound(rt.serveProxied)

	return r
}

// Route is the scheduler's in-process RouteFunc: it runs the same
// prefix/OpenAPI/round-robin/forward path an HTTP request takes, without a
// loopback socket round trip.
func (rt *Router) Route(ctx context.Context, prefix, remainder string) (int, error) {
	rec := &statusRecorder{ResponseWriter: discardResponseWriter{}, status: http.StatusOK}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://internal"+joinPath(prefix, remainder), nil)
	if err != nil {
		return 0, err
	}
	rt.forward(rec, req, prefix, remainder)
	if rec.err != nil {
		return 0, rec.err
	}
	return rec.status, nil
}

func (rt *Router) serveProxied(w http.ResponseWriter, req *http.Request) {
	prefix, remainder := splitPrefix(req.URL.Path)
	rt.forward(w, req, prefix, remainder)
}

// forward implements the routing pipeline shared by real HTTP traffic and
// the scheduler's in-process fires.
func (rt *Router) forward(w http.ResponseWriter, req *http.Request, prefix, remainder string) {
	start := time.Now()

	desc, ok := rt.State.ByPrefix(prefix)
	if !ok {
		rt.fail(w, UnknownPrefix)
		return
	}

	if !desc.Matches(req.Method, remainder) {
		rt.fail(w, PathNotInOpenApi)
		return
	}

	replica, ok := rt.State.NextReplica(desc.Name)
	if !ok {
		rt.fail(w, NoHealthyReplica)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", replica.Port)}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = rt.ensureTransport()

	rec := wrapRecorder(w)
	rp.ErrorHandler = func(rw http.ResponseWriter, r *http.Request, err error) {
		rt.recordUpstreamFailure(desc.Name, replica.Index, remainder, rec, err)
	}

	req.URL.Path = remainder
	req.Host = target.Host

	rp.ServeHTTP(rec, req)

	if rt.Stats != nil && rec.status != 0 {
		rt.Stats.Record(desc.Name, remainder, rec.status, start)
	}
	if rt.Logger != nil {
		rt.Logger.Debug("proxied request",
			logging.String("service", desc.Name),
			logging.Int("replica", replica.Index),
			logging.String("path", remainder),
			logging.Int("status", rec.status),
			logging.Duration("duration", time.Since(start)),
		)
	}
}

func (rt *Router) recordUpstreamFailure(service string, replicaIndex int, remainder string, rec *statusRecorder, err error) {
	kind := UpstreamConnect
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = UpstreamTimeout
	}

	rt.State.UpdateReplica(service, replicaIndex, func(r *state.Replica) {
		r.ConsecutiveFailures++
		if r.ConsecutiveFailures >= 2 {
			r.HealthState = state.HealthOffline
		}
	})
	if rt.Log != nil {
		rt.Log.Publish(state.Event{Type: state.EventReplicaOffline, Service: service, Replica: replicaIndex, Error: string(kind)})
	}

	rec.err = err
	writeError(rec, kind)
}

func (rt *Router) fail(w http.ResponseWriter, kind ErrorKind) {
	rec := wrapRecorder(w)
	writeError(rec, kind)
}

func writeError(w http.ResponseWriter, kind ErrorKind) {
	w.WriteHeader(statusForKind[kind])
	w.Write([]byte(messageForKind[kind]))
}

func splitPrefix(path string) (prefix, remainder string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}

func joinPath(prefix, remainder string) string {
	if !strings.HasPrefix(remainder, "/") {
		remainder = "/" + remainder
	}
	return "/" + prefix + remainder
}
