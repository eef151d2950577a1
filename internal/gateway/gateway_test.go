package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/toolmesh/internal/auth"
	"github.com/triage-ai/toolmesh/internal/invoke"
	"github.com/triage-ai/toolmesh/internal/ledger"
	"github.com/triage-ai/toolmesh/internal/orchestrator"
	"github.com/triage-ai/toolmesh/internal/planner"
	"github.com/triage-ai/toolmesh/internal/registry"
	"github.com/triage-ai/toolmesh/internal/storage"
	"go.uber.org/zap"
)

const (
	meteredToken   = "tmk_metered_key_0001"
	unmeteredToken = "tmk_free_key_000001"
)

// stubAuth maps tokens to callers.
type stubAuth map[string]*auth.Caller

func (s stubAuth) Authenticate(_ context.Context, token string) (*auth.Caller, error) {
	c, ok := s[token]
	if !ok {
		return nil, auth.ErrInvalidAPIKey
	}
	return c, nil
}

// stubInvoker returns canned outputs per tool.
type stubInvoker struct {
	mu      sync.Mutex
	outputs map[string]any
	errs    map[string]error
	calls   atomic.Int32
	called  []string
}

func (s *stubInvoker) Invoke(_ context.Context, def *registry.ToolDefinition, _ map[string]any) (any, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called = append(s.called, def.ID)
	if err := s.errs[def.ID]; err != nil {
		return nil, err
	}
	return s.outputs[def.ID], nil
}

type stubReasoner struct {
	reply string
}

func (s *stubReasoner) Reason(_ context.Context, _, _ string) (string, error) {
	return s.reply, nil
}

// recordingWriter captures usage events.
type recordingWriter struct {
	mu     sync.Mutex
	events []*storage.UsageEvent
}

func (w *recordingWriter) Write(ev *storage.UsageEvent) {
	w.mu.Lock()
	w.events = append(w.events, ev)
	w.mu.Unlock()
}

func (w *recordingWriter) Close() {}

func (w *recordingWriter) last(t *testing.T) *storage.UsageEvent {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) == 0 {
		t.Fatal("expected a usage event")
	}
	return w.events[len(w.events)-1]
}

type testEnv struct {
	deps   *Dependencies
	server *httptest.Server
	ledger *ledger.MemoryLedger
	inv    *stubInvoker
	writer *recordingWriter
}

func newTestEnv(t *testing.T, balance float64) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	reg, err := registry.NewWithCatalog(logger, registry.DefaultCatalog())
	if err != nil {
		t.Fatalf("NewWithCatalog: %v", err)
	}
	err = reg.Register(registry.ToolDefinition{
		ID:          "retired-tool",
		Name:        "Retired",
		Description: "disabled",
		Category:    "test",
		InputSchema: &registry.InputSchema{Type: "object"},
		Enabled:     false,
	}, registry.RegisterOptions{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	inv := &stubInvoker{outputs: map[string]any{
		"image-caption":  map[string]any{"caption": "a cat on a mat"},
		"flux-schnell":   map[string]any{"images": []any{map[string]any{"url": "https://img.test/1.png"}}},
		"esrgan-upscale": map[string]any{"image": map[string]any{"url": "https://img.test/1-up.png"}},
	}, errs: map[string]error{}}

	l := ledger.NewMemoryLedger(map[string]float64{"user_1": balance})
	w := &recordingWriter{}
	deps := &Dependencies{
		Registry: reg,
		Invoker:  inv,
		Executor: orchestrator.NewExecutor(reg, inv, logger),
		Planner: planner.NewGenerator(planner.GeneratorConfig{
			Catalog: reg,
			Reasoner: &stubReasoner{reply: "```json\n" + `{"steps":[{"stepId":"caption","toolId":"image-caption","input":{"image_url":"https://img.test/in.png"}},` +
				`{"stepId":"ghost","toolId":"no-such-tool"}]}` + "\n```"},
			Logger: logger,
		}),
		Templates: orchestrator.DefaultTemplates(),
		Ledger:    l,
		Auth: stubAuth{
			meteredToken:   {UserID: "user_1", KeyPrefix: meteredToken[:8], Metered: true},
			unmeteredToken: {UserID: "user_2", KeyPrefix: unmeteredToken[:8]},
		},
		Writer:   w,
		Sessions: NewSessionManager(50*time.Millisecond, logger),
		Version:  "test",
		Logger:   logger,
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &testEnv{deps: deps, server: srv, ledger: l, inv: inv, writer: w}
}

func (e *testEnv) post(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// rpc sends one request on the stateless transport.
func (e *testEnv) rpc(t *testing.T, token, body string) *Response {
	t.Helper()
	resp := e.post(t, "/mcp", token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func callBody(name string, args map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	return string(b)
}

// payload decodes the JSON text block of a tools/call result.
func payload(t *testing.T, resp *Response) (map[string]any, bool) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	b, _ := json.Marshal(resp.Result)
	var res callResult
	if err := json.Unmarshal(b, &res); err != nil {
		t.Fatalf("decode call result: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Type != "text" {
		t.Fatalf("expected one text block, got %+v", res.Content)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return out, res.IsError
}

func balance(t *testing.T, l *ledger.MemoryLedger) float64 {
	t.Helper()
	b, err := l.Balance(context.Background(), "user_1")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.rpc(t, meteredToken, `{"jsonrpc":"2.0","id":"a","method":"initialize","params":{}}`)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != `"a"` {
		t.Errorf("expected id \"a\", got %s", resp.ID)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("expected protocol %s, got %v", protocolVersion, result["protocolVersion"])
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.rpc(t, meteredToken, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if resp.Error != nil || resp.Result == nil {
		t.Fatalf("expected empty result, got %+v", resp)
	}
}

func TestToolsList(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.rpc(t, meteredToken, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	tools := resp.Result.(map[string]any)["tools"].([]any)
	names := map[string]bool{}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		names[tool["name"].(string)] = true
		if tool["inputSchema"] == nil {
			t.Errorf("tool %v has no inputSchema", tool["name"])
		}
	}
	if !names[orchestrateTool] {
		t.Error("expected orchestrate meta-tool")
	}
	if !names["flux-schnell"] {
		t.Error("expected flux-schnell")
	}
	if names["retired-tool"] {
		t.Error("disabled tool must not be listed")
	}
	if len(tools) != len(registry.DefaultCatalog())+1 {
		t.Errorf("expected %d tools, got %d", len(registry.DefaultCatalog())+1, len(tools))
	}
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, 10)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, CodeMethodNotFound},
		{"bad version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"not an object", `42`, CodeInvalidRequest},
		{"parse error", `{"jsonrpc":`, CodeParseError},
		{"empty batch", `[]`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.rpc(t, meteredToken, tt.body)
			if resp.Error == nil {
				t.Fatalf("expected error %d, got result %v", tt.code, resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, resp.Error.Code)
			}
		})
	}
}

func TestNotification_Accepted(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.post(t, "/mcp", meteredToken, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("expected empty body, got %q", body)
	}
}

func TestBatch(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.post(t, "/mcp", meteredToken, `[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"nope"}
	]`)
	defer resp.Body.Close()

	var out []Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(out))
	}
	if string(out[0].ID) != "1" || out[0].Error != nil {
		t.Errorf("expected ping result first, got %+v", out[0])
	}
	if string(out[1].ID) != "2" || out[1].Error == nil || out[1].Error.Code != CodeMethodNotFound {
		t.Errorf("expected method-not-found second, got %+v", out[1])
	}
}

func TestAuth_Rejected(t *testing.T) {
	env := newTestEnv(t, 10)

	for _, token := range []string{"", "tmk_unknown_key_0000"} {
		resp := env.post(t, "/mcp", token, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, resp.StatusCode)
		}
	}
}

func TestCallTool_UnknownAndDisabled(t *testing.T) {
	env := newTestEnv(t, 10)

	for _, name := range []string{"no-such-tool", "retired-tool"} {
		resp := env.rpc(t, meteredToken, callBody(name, nil))
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Errorf("%s: expected -32602, got %+v", name, resp.Error)
		}
	}
	if env.inv.calls.Load() != 0 {
		t.Error("invoker must not be called")
	}
}

func TestCallTool_InvalidInput(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.rpc(t, meteredToken, callBody("sdxl-lightning", map[string]any{"steps": 3}))

	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected -32602, got %+v", resp.Error)
	}
	errs := resp.Error.Data.(map[string]any)["errors"].([]any)
	if len(errs) != 2 {
		t.Errorf("expected missing prompt and bad enum errors, got %v", errs)
	}
	if env.writer.last(t).Status != storage.StatusInvalidInput {
		t.Errorf("expected invalid_input usage event")
	}
}

func TestCallTool_SuccessChargesCredits(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.rpc(t, meteredToken, callBody("image-caption", map[string]any{"image_url": "https://img.test/in.png"}))

	out, isError := payload(t, resp)
	if isError {
		t.Fatal("expected success")
	}
	if out["status"] != "completed" {
		t.Errorf("expected completed, got %v", out["status"])
	}
	if out["result"].(map[string]any)["caption"] != "a cat on a mat" {
		t.Errorf("unexpected result %v", out["result"])
	}
	if got := balance(t, env.ledger); got != 9 {
		t.Errorf("expected balance 9, got %v", got)
	}

	ev := env.writer.last(t)
	if ev.Status != storage.StatusSuccess || ev.Credits != 1 || ev.Transport != "http" {
		t.Errorf("unexpected usage event %+v", ev)
	}
}

func TestCallTool_UnmeteredNotCharged(t *testing.T) {
	env := newTestEnv(t, 0)
	resp := env.rpc(t, unmeteredToken, callBody("image-caption", map[string]any{"image_url": "https://img.test/in.png"}))

	if _, isError := payload(t, resp); isError {
		t.Fatal("expected success")
	}
	if env.inv.calls.Load() != 1 {
		t.Errorf("expected 1 invocation, got %d", env.inv.calls.Load())
	}
}

func TestCallTool_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t, 0.5)
	resp := env.rpc(t, meteredToken, callBody("image-caption", map[string]any{"image_url": "https://img.test/in.png"}))

	if resp.Error == nil || resp.Error.Code != CodeInsufficientCredits {
		t.Fatalf("expected -32000, got %+v", resp.Error)
	}
	data := resp.Error.Data.(map[string]any)
	if data["required"] != 1.0 || data["available"] != 0.5 {
		t.Errorf("unexpected data %v", data)
	}
	if env.inv.calls.Load() != 0 {
		t.Error("tool must not run without credits")
	}
	if env.writer.last(t).Status != storage.StatusInsufficientCredits {
		t.Error("expected insufficient_credits usage event")
	}
}

func TestCallTool_FailureRefunds(t *testing.T) {
	env := newTestEnv(t, 10)
	env.inv.errs["image-caption"] = errors.New("provider returned 502")

	resp := env.rpc(t, meteredToken, callBody("image-caption", map[string]any{"image_url": "https://img.test/in.png"}))

	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected -32603, got %+v", resp.Error)
	}
	if got := balance(t, env.ledger); got != 10 {
		t.Errorf("expected refund to 10, got %v", got)
	}
}

func TestCallTool_PendingJobReturnsProcessing(t *testing.T) {
	env := newTestEnv(t, 10)
	env.inv.errs["esrgan-upscale"] = &invoke.PendingJobError{
		Job: invoke.Job{
			ID:          "job-42",
			ToolID:      "esrgan-upscale",
			StatusURL:   "https://queue.test/requests/job-42/status",
			ResponseURL: "https://queue.test/requests/job-42",
		},
		Waited: 300 * time.Second,
	}

	resp := env.rpc(t, meteredToken, callBody("esrgan-upscale", map[string]any{"image_url": "https://img.test/in.png"}))

	out, isError := payload(t, resp)
	if isError {
		t.Fatal("processing is not an error")
	}
	if out["status"] != storage.StatusProcessing || out["jobId"] != "job-42" {
		t.Errorf("unexpected payload %v", out)
	}
	if out["statusUrl"] != "https://queue.test/requests/job-42/status" {
		t.Errorf("unexpected statusUrl %v", out["statusUrl"])
	}
	if got := balance(t, env.ledger); got != 9 {
		t.Errorf("accepted job should stay charged, balance %v", got)
	}
}

func TestOrchestrate_Template(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.rpc(t, meteredToken, callBody(orchestrateTool, map[string]any{
		"template": "image-then-upscale",
		"inputs":   map[string]any{"prompt": "a lighthouse at dusk"},
	}))

	out, isError := payload(t, resp)
	if isError {
		t.Fatalf("expected success, got %v", out)
	}
	result := out["result"].(map[string]any)
	if result["success"] != true {
		t.Fatalf("expected success, got %v", result)
	}
	final := result["finalOutput"].(map[string]any)
	if final["image"].(map[string]any)["url"] != "https://img.test/1-up.png" {
		t.Errorf("unexpected final output %v", final)
	}
	if result["totalCredits"] != 2.0 {
		t.Errorf("expected 2 credits, got %v", result["totalCredits"])
	}
	if got := balance(t, env.ledger); got != 8 {
		t.Errorf("expected balance 8, got %v", got)
	}
	if ev := env.writer.last(t); ev.ToolID != orchestrateTool || ev.PlanSteps != 2 {
		t.Errorf("unexpected usage event %+v", ev)
	}
}

func TestOrchestrate_MidPlanInsufficientCredits(t *testing.T) {
	env := newTestEnv(t, 1)
	resp := env.rpc(t, meteredToken, callBody(orchestrateTool, map[string]any{
		"template": "image-then-upscale",
		"inputs":   map[string]any{"prompt": "a lighthouse"},
	}))

	out, isError := payload(t, resp)
	if !isError {
		t.Fatal("expected isError for a partially failed plan")
	}
	steps := out["result"].(map[string]any)["stepResults"].([]any)
	status := map[string]string{}
	for _, raw := range steps {
		s := raw.(map[string]any)
		status[s["stepId"].(string)] = s["status"].(string)
	}
	if status["generate"] != "completed" || status["upscale"] != "failed" {
		t.Errorf("expected generate completed and upscale failed, got %v", status)
	}
	if got := balance(t, env.ledger); got != 0 {
		t.Errorf("expected balance 0, got %v", got)
	}
}

func TestOrchestrate_GoalDropsUnknownTools(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.rpc(t, meteredToken, callBody(orchestrateTool, map[string]any{"goal": "describe this image"}))

	out, _ := payload(t, resp)
	steps := out["plan"].(map[string]any)["steps"].([]any)
	if len(steps) != 1 {
		t.Fatalf("expected unknown step dropped, got %d steps", len(steps))
	}
	if out["result"].(map[string]any)["success"] != true {
		t.Errorf("expected success, got %v", out["result"])
	}
}

func TestOrchestrate_RequiresGoalOrTemplate(t *testing.T) {
	env := newTestEnv(t, 10)

	resp := env.rpc(t, meteredToken, callBody(orchestrateTool, map[string]any{}))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected -32602, got %+v", resp.Error)
	}

	resp = env.rpc(t, meteredToken, callBody(orchestrateTool, map[string]any{"template": "nope"}))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected -32602 for unknown template, got %+v", resp.Error)
	}
}

// sseEvent reads one event, skipping keep-alive comments.
func sseEvent(t *testing.T, br *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSE_SessionRoundTrip(t *testing.T) {
	env := newTestEnv(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/sse", nil)
	req.Header.Set("Authorization", "Bearer "+meteredToken)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %s", ct)
	}
	br := bufio.NewReader(stream.Body)

	event, endpoint := sseEvent(t, br)
	if event != "endpoint" || !strings.HasPrefix(endpoint, "/messages?sessionId=") {
		t.Fatalf("unexpected first event %s %s", event, endpoint)
	}

	post := env.post(t, endpoint, meteredToken, `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`)
	post.Body.Close()
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", post.StatusCode)
	}

	event, data := sseEvent(t, br)
	if event != "message" {
		t.Fatalf("expected message event, got %s", event)
	}
	var resp Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if string(resp.ID) != "5" || resp.Error != nil {
		t.Errorf("unexpected response %+v", resp)
	}

	// Another caller cannot post into this session.
	other := env.post(t, endpoint, unmeteredToken, `{"jsonrpc":"2.0","id":6,"method":"ping"}`)
	other.Body.Close()
	if other.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", other.StatusCode)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for env.deps.Sessions.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if env.deps.Sessions.Len() != 0 {
		t.Error("session not removed after disconnect")
	}
}

func TestSSE_UnknownSession(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := env.post(t, "/messages?sessionId=missing", meteredToken, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	m := NewSessionManager(time.Second, zap.NewNop())
	s := m.open("user_1")
	m.remove(s)

	if s.send([]byte(`{}`)) {
		t.Error("send on closed session should report false")
	}
	if m.Len() != 0 {
		t.Error("expected no sessions")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 10)
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStateless_OversizedBodyIsInvalidRequest(t *testing.T) {
	env := newTestEnv(t, 10)
	body := `{"jsonrpc":"2.0","id":1,"method":"ping","pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := httptest.NewRecorder()

	env.deps.handleStateless(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected a JSON-RPC response, got %q: %v", rec.Body.String(), err)
	}
	if id := string(resp.ID); resp.JSONRPC != "2.0" || (id != "null" && id != "") {
		t.Errorf("expected jsonrpc 2.0 with null id, got %+v", resp)
	}
	if !strings.Contains(rec.Body.String(), `"id":null`) {
		t.Errorf("expected explicit null id on the wire, got %s", rec.Body.String())
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected -32600, got %+v", resp.Error)
	}
}

func TestBodyErrorResponse(t *testing.T) {
	resp := bodyErrorResponse(errors.New("connection reset"))
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected -32600, got %+v", resp.Error)
	}
	if resp.Error.Message != "failed to read request body" {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}
