// Package proxy forwards authorized requests to the upstream data API.
//
// Bodies are relayed incrementally in both directions: the proxy never
// buffers a full upstream response before sending it on, and a caller
// disconnect cancels the upstream request through the shared context.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// flushThreshold is the copy buffer size between upstream and caller.
const flushThreshold = 32 * 1024

// Config controls a Forwarder.
type Config struct {
	// BaseURL is the upstream origin, e.g. "http://api.internal:8000".
	BaseURL string
	// Timeout bounds one forwarded request end to end.
	Timeout time.Duration
	// AuthHeader/AuthToken are injected on outbound requests when set.
	AuthHeader string
	AuthToken  string
	// StripHeader names the inbound credential header removed before
	// forwarding. The caller's key never reaches the upstream unless
	// ForwardClientKey is set.
	StripHeader      string
	ForwardClientKey bool
}

// Forwarder relays requests to one upstream.
type Forwarder struct {
	base   *url.URL
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Forwarder. The upstream base URL must be absolute.
func New(cfg Config, logger *slog.Logger) (*Forwarder, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("upstream base URL must be absolute")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Forwarder{
		base: base,
		cfg:  cfg,
		// Timeout is enforced per request via context so streaming bodies
		// are bounded too; the client itself carries no timeout.
		client: &http.Client{},
		logger: logger,
	}, nil
}

// BaseURL returns the configured upstream origin.
func (f *Forwarder) BaseURL() string {
	return f.base.String()
}

// Ping checks upstream reachability with a short HEAD request.
func (f *Forwarder) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.base.String()+"/", nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Forward relays the request to the upstream at the given path (with the
// caller's query string) and streams the response back. keyPrefix is logged
// for diagnosis; it never contains the raw credential.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, upstreamPath, keyPrefix string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), f.cfg.Timeout)
	defer cancel()

	target := *f.base
	target.Path = singleJoin(f.base.Path, upstreamPath)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		f.logger.Error("build upstream request", "error", err, "key_prefix", keyPrefix)
		writeGatewayError(w, http.StatusBadGateway, "Upstream request could not be built")
		return
	}

	copyForwardHeaders(out.Header, r.Header, f.stripHeaders())
	if f.cfg.AuthHeader != "" && f.cfg.AuthToken != "" {
		out.Header.Set(f.cfg.AuthHeader, f.cfg.AuthToken)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		status := http.StatusBadGateway
		kind := "unreachable"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = http.StatusGatewayTimeout
			kind = "timeout"
		}
		f.logger.Warn("upstream failure",
			"kind", kind,
			"path", upstreamPath,
			"key_prefix", keyPrefix,
			"elapsed_ms", float64(time.Since(start).Microseconds())/1000.0,
		)
		writeGatewayError(w, status, "Upstream "+kind)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	written, copyErr := flushingCopy(w, resp.Body)
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		f.logger.Warn("response relay interrupted",
			"path", upstreamPath,
			"key_prefix", keyPrefix,
			"bytes", written,
			"error", copyErr,
		)
		return
	}

	f.logger.Info("forwarded",
		"path", upstreamPath,
		"status", resp.StatusCode,
		"bytes", written,
		"key_prefix", keyPrefix,
		"elapsed_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
}

func (f *Forwarder) stripHeaders() []string {
	if f.cfg.ForwardClientKey {
		return nil
	}
	return []string{f.cfg.StripHeader}
}

// flushingCopy streams src to dst, flushing after each chunk so the caller
// starts receiving data before the upstream finishes sending it.
func flushingCopy(dst http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, flushThreshold)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

// copyForwardHeaders copies inbound headers onto the outbound request,
// dropping hop-by-hop headers and the stripped credential headers.
func copyForwardHeaders(dst, src http.Header, strip []string) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		skip := false
		for _, s := range strip {
			if s != "" && strings.EqualFold(name, s) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}

func writeGatewayError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":` + strconv.Itoa(status) + `,"message":"` + message + `"}}`))
}
