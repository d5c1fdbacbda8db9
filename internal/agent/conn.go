package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// Operation names understood by the agent.
const (
	OpScreenshot = "screenshot"
	OpInfo       = "info"
	OpHierarchy  = "hierarchy"
	OpTouch      = "touch"
	OpSwipe      = "swipe"
	OpKeyEvent   = "keyevent"
	OpInput      = "input"
	OpShell      = "shell"
)

// Operations returns every operation name Conn.Invoke accepts.
func Operations() []string {
	return []string{OpScreenshot, OpInfo, OpHierarchy, OpTouch, OpSwipe, OpKeyEvent, OpInput, OpShell}
}

const (
	contentTypeJSON = "application/json"
	contentTypeJPEG = "image/jpeg"
)

// Conn is one connection to a device agent.
//
// The session pool serializes Invoke and Probe, but Conn does not depend on
// it: every call is an independent HTTP request.
type Conn struct {
	base        string
	client      *http.Client
	idle        interface{ CloseIdleConnections() }
	maxResponse int64
	rpcID       atomic.Int64
}

var _ session.Conn = (*Conn)(nil)

// Invoke performs one device operation.
func (c *Conn) Invoke(ctx context.Context, operation string, args session.Args) (session.Result, error) {
	switch operation {
	case OpScreenshot:
		path := "/screenshot/0"
		quality, ok, err := screenshotQuality(args)
		if err != nil {
			return session.Result{}, err
		}
		if ok {
			path += "?quality=" + strconv.Itoa(quality)
		}
		return c.get(ctx, path, contentTypeJPEG)
	case OpInfo:
		return c.call(ctx, "deviceInfo")
	case OpHierarchy:
		return c.call(ctx, "dumpWindowHierarchy", false)
	case OpTouch:
		return c.touch(ctx, args)
	case OpSwipe:
		return c.swipe(ctx, args)
	case OpKeyEvent:
		key, err := stringArg(args, "key")
		if err != nil {
			return session.Result{}, err
		}
		return c.call(ctx, "pressKey", AndroidKey(key))
	case OpInput:
		text, err := stringArg(args, "text")
		if err != nil {
			return session.Result{}, err
		}
		return c.shell(ctx, inputTextCommand(text))
	case OpShell:
		cmd, err := stringArg(args, "command")
		if err != nil {
			return session.Result{}, err
		}
		return c.shell(ctx, cmd)
	default:
		return session.Result{}, fmt.Errorf("%w: %w: %s", session.ErrRemote, session.ErrUnknownOperation, operation)
	}
}

// Probe reports whether the agent still answers /ping.
func (c *Conn) Probe(ctx context.Context) bool {
	return c.ping(ctx) == nil
}

// Close drops the idle keep-alive sockets of this connection.
func (c *Conn) Close() error {
	c.idle.CloseIdleConnections()
	return nil
}

func (c *Conn) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/ping", nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPingFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrPingFailed, resp.StatusCode)
	}
	return nil
}

func (c *Conn) touch(ctx context.Context, args session.Args) (session.Result, error) {
	x, err := intArg(args, "x")
	if err != nil {
		return session.Result{}, err
	}
	y, err := intArg(args, "y")
	if err != nil {
		return session.Result{}, err
	}
	return c.call(ctx, "click", x, y)
}

func (c *Conn) swipe(ctx context.Context, args session.Args) (session.Result, error) {
	p, err := parseSwipe(args)
	if err != nil {
		return session.Result{}, err
	}
	return c.call(ctx, "swipe", p.x1, p.y1, p.x2, p.y2, p.steps())
}

func (c *Conn) shell(ctx context.Context, command string) (session.Result, error) {
	form := url.Values{"command": {command}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/shell", strings.NewReader(form.Encode()))
	if err != nil {
		return session.Result{}, fmt.Errorf("building shell request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, contentTypeJSON)
}

func (c *Conn) get(ctx context.Context, path, contentType string) (session.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return session.Result{}, fmt.Errorf("building request: %w", err)
	}
	return c.do(req, contentType)
}

// do sends req and returns the body. fallbackType is used when the agent
// sends no Content-Type.
func (c *Conn) do(req *http.Request, fallbackType string) (session.Result, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return session.Result{}, fmt.Errorf("agent %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return session.Result{}, statusError(resp)
	}
	body, err := readBody(resp, c.maxResponse)
	if err != nil {
		return session.Result{}, err
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "text/plain") {
		ct = fallbackType
	}
	return session.Result{ContentType: ct, Body: body}, nil
}

// rpcRequest is a JSON-RPC 2.0 request to the agent's /jsonrpc/0 endpoint.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call invokes a JSON-RPC method and returns its result as a JSON body.
func (c *Conn) call(ctx context.Context, method string, params ...any) (session.Result, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.rpcID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return session.Result{}, fmt.Errorf("%w: encoding %s params: %w", session.ErrRemote, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/jsonrpc/0", bytes.NewReader(payload))
	if err != nil {
		return session.Result{}, fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	res, err := c.do(req, contentTypeJSON)
	if err != nil {
		return session.Result{}, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(res.Body, &rpcResp); err != nil {
		return session.Result{}, fmt.Errorf("%w: %s: decoding response: %w", session.ErrRemote, method, err)
	}
	if rpcResp.Error != nil {
		return session.Result{}, fmt.Errorf("%w: %s: %s (code %d)", session.ErrRemote, method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	result := []byte(rpcResp.Result)
	if len(result) == 0 {
		result = []byte("null")
	}
	return session.Result{ContentType: contentTypeJSON, Body: result}, nil
}
