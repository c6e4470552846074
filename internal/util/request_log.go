package util

import (
	"net/http"
	"strings"
	"time"
)

// RequestLogTransport stamps X-Request-Id on outbound requests and emits a
// structured log line for each round trip.
type RequestLogTransport struct {
	Service string
	Base    http.RoundTripper
}

// WithRequestLog wraps base (http.DefaultTransport when nil).
func WithRequestLog(service string, base http.RoundTripper) http.RoundTripper {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &RequestLogTransport{Service: service, Base: base}
}

func (t *RequestLogTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, requestID := EnsureRequestID(req.Context())
	req = req.Clone(ctx)
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, requestID)
	}

	start := time.Now()
	resp, err := t.Base.RoundTrip(req)
	logger := LoggerFromContext(ctx)
	if err != nil {
		logger.Warn(
			"http_request_failed",
			"service", t.Service,
			"method", req.Method,
			"path", req.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return nil, err
	}
	logger.Info(
		"http_request",
		"service", t.Service,
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}
