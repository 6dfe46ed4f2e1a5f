// Package gateway implements the small L7 reverse proxy: it looks up a
// backend for the requested service via internal/selector and forwards
// the request, preserving method/body/query and stripping hop-by-hop
// headers.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dsr/internal/apperr"
	"github.com/cuemby/dsr/internal/log"
	"github.com/cuemby/dsr/internal/metrics"
	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/selector"
	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

// hopByHop lists the headers a proxy must not forward verbatim, per
// RFC 7230 §6.1, plus Host which is reconstructed by the director.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Gateway routes incoming requests to the backend selected by
// internal/selector for the service named in the request path's first
// segment: /{service}/rest/of/path.
type Gateway struct {
	registry *registry.State
	store    store.Store
	logger   zerolog.Logger
	timeout  time.Duration
}

// New builds a Gateway. timeout bounds each upstream round trip
// (gateway_timeout_s).
func New(reg *registry.State, st store.Store, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		registry: reg,
		store:    st,
		logger:   log.WithComponent("gateway"),
		timeout:  timeout,
	}
}

// ServeHTTP dispatches to the service named by the first path segment.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, rest := splitServicePath(r.URL.Path)
	if service == "" {
		http.NotFound(w, r)
		return
	}

	target, version, err := selector.Select(service, g.registry)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(service, "no_backend").Inc()
		_ = g.store.LogEvent(types.EventError, "No healthy backend for request", service, "")
		http.Error(w, "no healthy backend", http.StatusServiceUnavailable)
		return
	}

	upstream, err := url.Parse(target.BaseURL)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(service, "bad_upstream").Inc()
		http.Error(w, "bad upstream", http.StatusBadGateway)
		return
	}

	timer := metrics.NewTimer()
	proxy := &httputil.ReverseProxy{
		Transport: &http.Transport{},
		Director: func(req *http.Request) {
			stripHopByHop(req.Header)
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.URL.Path = rest
			req.Host = upstream.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHopByHop(resp.Header)
			resp.Header.Set("X-Reconciler-Service", service)
			resp.Header.Set("X-Reconciler-Version", version)
			metrics.GatewayRequestsTotal.WithLabelValues(service, "ok").Inc()
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			metrics.GatewayRequestsTotal.WithLabelValues(service, "upstream_error").Inc()
			_ = g.store.LogEvent(types.EventError, "Upstream error: "+err.Error(), service, version)
			if isTimeout(err) {
				http.Error(w, "upstream timeout", http.StatusBadGateway)
				return
			}
			http.Error(w, apperr.ErrUpstreamError.Error(), http.StatusBadGateway)
		},
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	proxy.ServeHTTP(w, r.WithContext(ctx))
	timer.ObserveDurationVec(metrics.GatewayRequestDuration, service)
}

func splitServicePath(path string) (service, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	service = parts[0]
	if len(parts) == 2 {
		rest = "/" + parts[1]
	} else {
		rest = "/"
	}
	return service, rest
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHop {
		h.Del(name)
	}
	h.Del("Host")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
