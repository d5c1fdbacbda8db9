package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/config"
	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// fakeAgent emulates the device agent HTTP API.
type fakeAgent struct {
	mu       sync.Mutex
	calls    []rpcRequest
	commands []string
	shotQs   []string
	pingCode int
	rpcError *rpcError
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		f.mu.Lock()
		code := f.pingCode
		f.mu.Unlock()
		w.WriteHeader(code)
		_, _ = io.WriteString(w, "pong")
	case "/screenshot/0":
		f.mu.Lock()
		f.shotQs = append(f.shotQs, r.URL.Query().Get("quality"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	case "/jsonrpc/0":
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, req)
		rpcErr := f.rpcError
		f.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch {
		case rpcErr != nil:
			resp["error"] = rpcErr
		case req.Method == "deviceInfo":
			resp["result"] = map[string]any{"productName": "sdk_gphone64", "sdkInt": 34}
		default:
			resp["result"] = true
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	case "/shell":
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd := r.PostForm.Get("command")
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()
		if cmd == "fail" {
			http.Error(w, "command rejected", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"output": "ok\n", "error": nil})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAgent) lastCall(t *testing.T) rpcRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no JSON-RPC call received")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeAgent) lastCommand(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		t.Fatal("no shell command received")
	}
	return f.commands[len(f.commands)-1]
}

func startAgent(t *testing.T) (*fakeAgent, string, int) {
	t.Helper()
	fake := &fakeAgent{pingCode: http.StatusOK}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split test server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return fake, host, port
}

func openConn(t *testing.T) (*fakeAgent, session.Conn) {
	t.Helper()
	fake, host, port := startAgent(t)
	tr := NewTransport(config.AgentConfig{ConnectTimeout: 2 * time.Second, MaxResponseBytes: 1 << 20})
	conn, err := tr.Open(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return fake, conn
}

func TestOpen_PingFails(t *testing.T) {
	fake, host, port := startAgent(t)
	fake.pingCode = http.StatusServiceUnavailable

	tr := NewTransport(config.AgentConfig{})
	if _, err := tr.Open(context.Background(), host, port); !errors.Is(err, ErrPingFailed) {
		t.Errorf("Open() error = %v, want ErrPingFailed", err)
	}
}

func TestOpen_Unreachable(t *testing.T) {
	tr := NewTransport(config.AgentConfig{ConnectTimeout: 500 * time.Millisecond})
	_, err := tr.Open(context.Background(), "127.0.0.1", 1)
	if err == nil {
		t.Fatal("Open() to a closed port should fail")
	}
	if errors.Is(err, session.ErrRemote) {
		t.Errorf("network failure must not be a remote error: %v", err)
	}
}

func TestInvoke_Screenshot(t *testing.T) {
	_, conn := openConn(t)

	res, err := conn.Invoke(context.Background(), OpScreenshot, nil)
	if err != nil {
		t.Fatalf("Invoke(screenshot) error = %v", err)
	}
	if res.ContentType != "image/jpeg" || len(res.Body) != 4 || res.Body[0] != 0xFF {
		t.Errorf("screenshot result = %q %v", res.ContentType, res.Body)
	}
}

func TestInvoke_ScreenshotQuality(t *testing.T) {
	fake, conn := openConn(t)
	ctx := context.Background()

	tests := []struct {
		args session.Args
		want string
	}{
		{nil, ""},
		{session.Args{"quality": 60.0}, "60"},
		{session.Args{"quality": json.Number("10")}, "30"},
		{session.Args{"quality": 100}, "95"},
	}
	for i, tt := range tests {
		if _, err := conn.Invoke(ctx, OpScreenshot, tt.args); err != nil {
			t.Fatalf("Invoke(screenshot, %v) error = %v", tt.args, err)
		}
		fake.mu.Lock()
		got := fake.shotQs[i]
		fake.mu.Unlock()
		if got != tt.want {
			t.Errorf("quality for %v = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestInvoke_JSONRPCMapping(t *testing.T) {
	fake, conn := openConn(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		op         string
		args       session.Args
		wantMethod string
		wantParams []any
	}{
		{"info", OpInfo, nil, "deviceInfo", []any{}},
		{"hierarchy", OpHierarchy, nil, "dumpWindowHierarchy", []any{false}},
		{"touch", OpTouch, session.Args{"x": 100.0, "y": 200.0}, "click", []any{100.0, 200.0}},
		{"swipe default duration", OpSwipe, session.Args{"x": 1.0, "y": 2.0, "x2": 3.0, "y2": 4.0},
			"swipe", []any{1.0, 2.0, 3.0, 4.0, 40.0}},
		{"swipe clamped", OpSwipe, session.Args{"x": 1.0, "y": 2.0, "duration": 10000.0},
			"swipe", []any{1.0, 2.0, 1.0, 2.0, 400.0}},
		{"swipe minimum", OpSwipe, session.Args{"x": 1, "y": 2, "x2": 5, "y2": 6, "duration": 1},
			"swipe", []any{1.0, 2.0, 5.0, 6.0, 10.0}},
		{"keyevent mapped", OpKeyEvent, session.Args{"key": "Backspace"}, "pressKey", []any{"del"}},
		{"keyevent passthrough", OpKeyEvent, session.Args{"key": "VOLUME_UP"}, "pressKey", []any{"volume_up"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := conn.Invoke(ctx, tt.op, tt.args)
			if err != nil {
				t.Fatalf("Invoke(%s) error = %v", tt.op, err)
			}
			if res.ContentType != "application/json" {
				t.Errorf("ContentType = %q", res.ContentType)
			}
			call := fake.lastCall(t)
			if call.Method != tt.wantMethod {
				t.Errorf("method = %q, want %q", call.Method, tt.wantMethod)
			}
			if len(call.Params) != len(tt.wantParams) {
				t.Fatalf("params = %v, want %v", call.Params, tt.wantParams)
			}
			for i := range call.Params {
				if call.Params[i] != tt.wantParams[i] {
					t.Errorf("params[%d] = %v, want %v", i, call.Params[i], tt.wantParams[i])
				}
			}
		})
	}
}

func TestInvoke_InfoReturnsResult(t *testing.T) {
	_, conn := openConn(t)

	res, err := conn.Invoke(context.Background(), OpInfo, nil)
	if err != nil {
		t.Fatalf("Invoke(info) error = %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal(res.Body, &info); err != nil {
		t.Fatalf("info body is not JSON: %v", err)
	}
	if info["productName"] != "sdk_gphone64" {
		t.Errorf("info = %v", info)
	}
}

func TestInvoke_Shell(t *testing.T) {
	fake, conn := openConn(t)
	ctx := context.Background()

	res, err := conn.Invoke(ctx, OpShell, session.Args{"command": "getprop ro.product.model"})
	if err != nil {
		t.Fatalf("Invoke(shell) error = %v", err)
	}
	if got := fake.lastCommand(t); got != "getprop ro.product.model" {
		t.Errorf("command = %q", got)
	}
	if res.ContentType != "application/json" {
		t.Errorf("ContentType = %q", res.ContentType)
	}

	if _, err := conn.Invoke(ctx, OpInput, session.Args{"text": "hello world"}); err != nil {
		t.Fatalf("Invoke(input) error = %v", err)
	}
	if got := fake.lastCommand(t); got != "input text 'hello%sworld'" {
		t.Errorf("input command = %q", got)
	}
}

func TestInvoke_RemoteErrors(t *testing.T) {
	fake, conn := openConn(t)
	ctx := context.Background()

	if _, err := conn.Invoke(ctx, OpShell, session.Args{"command": "fail"}); !errors.Is(err, session.ErrRemote) {
		t.Errorf("HTTP 500 error = %v, want ErrRemote", err)
	}

	fake.mu.Lock()
	fake.rpcError = &rpcError{Code: -32001, Message: "UiObjectNotFound"}
	fake.mu.Unlock()
	if _, err := conn.Invoke(ctx, OpTouch, session.Args{"x": 1, "y": 1}); !errors.Is(err, session.ErrRemote) {
		t.Errorf("JSON-RPC error = %v, want ErrRemote", err)
	}
}

func TestInvoke_InvalidArgs(t *testing.T) {
	_, conn := openConn(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   string
		args session.Args
	}{
		{"touch missing y", OpTouch, session.Args{"x": 1}},
		{"touch bad type", OpTouch, session.Args{"x": true, "y": 1}},
		{"touch fractional", OpTouch, session.Args{"x": 540.7, "y": 1}},
		{"touch overflow", OpTouch, session.Args{"x": 1e30, "y": 1}},
		{"touch overflow number", OpTouch, session.Args{"x": json.Number("99999999999"), "y": 1}},
		{"touch overflow string", OpTouch, session.Args{"x": "1", "y": "4294967296"}},
		{"screenshot fractional quality", OpScreenshot, session.Args{"quality": 60.5}},
		{"swipe bad duration", OpSwipe, session.Args{"x": 1, "y": 1, "duration": "fast"}},
		{"keyevent missing key", OpKeyEvent, nil},
		{"input not string", OpInput, session.Args{"text": 5}},
		{"shell missing command", OpShell, session.Args{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conn.Invoke(ctx, tt.op, tt.args)
			if !errors.Is(err, ErrInvalidArgs) || !errors.Is(err, session.ErrRemote) {
				t.Errorf("Invoke() error = %v, want ErrInvalidArgs wrapped in ErrRemote", err)
			}
		})
	}
}

func TestInvoke_UnknownOperation(t *testing.T) {
	_, conn := openConn(t)
	_, err := conn.Invoke(context.Background(), "teleport", nil)
	if !errors.Is(err, session.ErrUnknownOperation) {
		t.Errorf("Invoke() error = %v, want ErrUnknownOperation", err)
	}
	if session.KindOf(err) != session.KindUnknownOperation {
		t.Errorf("KindOf() = %q", session.KindOf(err))
	}
}

func TestInvoke_ResponseLimit(t *testing.T) {
	_, host, port := startAgent(t)
	tr := NewTransport(config.AgentConfig{MaxResponseBytes: 2})
	conn, err := tr.Open(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Invoke(context.Background(), OpScreenshot, nil); !errors.Is(err, session.ErrRemote) {
		t.Errorf("oversized response error = %v, want ErrRemote", err)
	}
}

func TestProbe(t *testing.T) {
	fake, conn := openConn(t)
	ctx := context.Background()

	if !conn.Probe(ctx) {
		t.Error("Probe() = false on a healthy agent")
	}
	fake.mu.Lock()
	fake.pingCode = http.StatusInternalServerError
	fake.mu.Unlock()
	if conn.Probe(ctx) {
		t.Error("Probe() = true on a failing agent")
	}
}

func TestAndroidKey(t *testing.T) {
	tests := map[string]string{
		"Enter":      "enter",
		"Escape":     "back",
		"ArrowRight": "dpad_right",
		"HOME":       "home",
		"POWER":      "power",
		"camera":     "camera",
	}
	for in, want := range tests {
		if got := AndroidKey(in); got != want {
			t.Errorf("AndroidKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInputTextCommand(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc", "input text 'abc'"},
		{"a b", "input text 'a%sb'"},
		{"it's", `input text 'it'\''s'`},
		{"100%", `input text '100\%'`},
	}
	for _, tt := range tests {
		if got := inputTextCommand(tt.in); got != tt.want {
			t.Errorf("inputTextCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIntArg(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int
		wantErr bool
	}{
		{"int", 540, 540, false},
		{"whole float", 540.0, 540, false},
		{"negative float", -12.0, -12, false},
		{"json integer", json.Number("1080"), 1080, false},
		{"json whole exponent", json.Number("1e3"), 1000, false},
		{"string", " 42 ", 42, false},
		{"fraction", 540.7, 0, true},
		{"json fraction", json.Number("0.5"), 0, true},
		{"huge float", 1e30, 0, true},
		{"huge int64", int64(1) << 40, 0, true},
		{"nan", math.NaN(), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := intArg(session.Args{"x": tt.value}, "x")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgs) {
					t.Errorf("intArg(%v) error = %v, want ErrInvalidArgs", tt.value, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("intArg(%v) = %d, %v; want %d", tt.value, got, err, tt.want)
			}
		})
	}
}
