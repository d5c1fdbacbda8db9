package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/config"
	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

const (
	defaultConnectTimeout   = 5 * time.Second
	defaultMaxResponseBytes = 32 << 20
	defaultKeepAlive        = 30 * time.Second
	idleConnTimeout         = 90 * time.Second
	maxErrorBodyBytes       = 4 << 10
)

// Transport opens connections to on-device agents over HTTP.
//
// Every Conn owns its own keep-alive socket pool, so closing one connection
// never disturbs another device.
type Transport struct {
	connectTimeout   time.Duration
	maxResponseBytes int64
	scheme           string
}

var _ session.Transport = (*Transport)(nil)

// NewTransport creates an agent transport from the agent configuration.
func NewTransport(cfg config.AgentConfig) *Transport {
	t := &Transport{
		connectTimeout:   cfg.ConnectTimeout,
		maxResponseBytes: cfg.MaxResponseBytes,
		scheme:           "http",
	}
	if t.connectTimeout <= 0 {
		t.connectTimeout = defaultConnectTimeout
	}
	if t.maxResponseBytes <= 0 {
		t.maxResponseBytes = defaultMaxResponseBytes
	}
	return t
}

// Open verifies the agent at host:port answers /ping and returns a
// connection bound to it.
func (t *Transport) Open(ctx context.Context, host string, port int) (session.Conn, error) {
	dialer := &net.Dialer{Timeout: t.connectTimeout, KeepAlive: defaultKeepAlive}
	httpTransport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     idleConnTimeout,
		DisableCompression:  true,
	}

	c := &Conn{
		base:        t.scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)),
		client:      &http.Client{Transport: httpTransport},
		idle:        httpTransport,
		maxResponse: t.maxResponseBytes,
	}

	pingCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()
	if err := c.ping(pingCtx); err != nil {
		httpTransport.CloseIdleConnections()
		return nil, err
	}
	return c, nil
}

// readBody reads at most limit bytes of resp.Body.
func readBody(resp *http.Response, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", session.ErrRemote, limit)
	}
	return body, nil
}

// statusError converts an agent HTTP failure into a remote error.
func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%w: HTTP %d: %s", session.ErrRemote, resp.StatusCode, msg)
}
