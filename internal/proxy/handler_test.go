package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/llmrelay/llmrelay/internal/registry"
	"github.com/llmrelay/llmrelay/pkg/ratelimit"
)

func setupGateway(t *testing.T, providers *registry.Registry, limiter *ratelimit.Limiter, opts Options) *httptest.Server {
	t.Helper()
	transformers := testTransformers(t)
	engine := NewEngine(providers, transformers, opts)
	handler := NewHandler(engine, transformers, limiter, noop.NewTracerProvider().Tracer("test"))
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body failed: %v", err)
	}
	return body
}

func TestGatewayOpenAIEntryToAnthropicBackend(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("x-api-key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","type":"message","role":"assistant","model":"claude-2","content":[{"type":"text","text":"Hello!"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`)
	}))
	defer backend.Close()

	providers := testRegistry(t, &registry.Provider{
		Name:    "anthro",
		BaseURL: backend.URL,
		APIKey:  "sk-ant-test1234",
		Models:  []string{"claude-2"},
		Enabled: true,
		Format:  "anthropic",
	})
	srv := setupGateway(t, providers, nil, Options{})

	resp := postJSON(t, srv.URL+"/chat/completions", `{"model":"claude-2","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if gotPath != "/messages" {
		t.Errorf("Expected the backend called at /messages, got %s", gotPath)
	}
	if gotAuth != "sk-ant-test1234" {
		t.Errorf("Expected x-api-key on the outbound call, got %q", gotAuth)
	}
	if gotBody["model"] != "claude-2" {
		t.Errorf("Expected an Anthropic-shaped outbound body, got %v", gotBody)
	}
	if _, ok := gotBody["max_tokens"]; !ok {
		t.Error("Expected max_tokens in the outbound body")
	}

	var out struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	if out.Object != "chat.completion" || out.Model != "claude-2" {
		t.Errorf("Expected an OpenAI-shaped reply for claude-2, got %s", body)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "Hello!" || out.Choices[0].FinishReason != "stop" {
		t.Errorf("Unexpected choices in reply: %s", body)
	}
}

func TestGatewayAnthropicEntryToOpenAIBackend(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-9","object":"chat.completion","created":123,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"Hey there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}`)
	}))
	defer backend.Close()

	providers := testRegistry(t, &registry.Provider{
		Name:    "oai",
		BaseURL: backend.URL,
		APIKey:  "sk-oai-test1234",
		Models:  []string{"gpt-4o"},
		Enabled: true,
		Format:  "openai",
	})
	srv := setupGateway(t, providers, nil, Options{})

	resp := postJSON(t, srv.URL+"/messages", `{"model":"gpt-4o","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("Expected the backend called at /chat/completions, got %s", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Errorf("Expected bearer auth on the outbound call, got %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o" || gotBody["max_tokens"] != float64(64) {
		t.Errorf("Expected an OpenAI-shaped outbound body, got %v", gotBody)
	}

	var out struct {
		Type    string `json:"type"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	if out.Type != "message" || out.Model != "gpt-4o" {
		t.Errorf("Expected an Anthropic-shaped reply, got %s", body)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "Hey there" {
		t.Errorf("Unexpected content in reply: %s", body)
	}
	if out.StopReason != "end_turn" {
		t.Errorf("Expected stop_reason end_turn, got %q", out.StopReason)
	}
	if out.Usage.InputTokens != 4 || out.Usage.OutputTokens != 6 {
		t.Errorf("Unexpected usage in reply: %s", body)
	}
}

const anthropicStreamScript = "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-2\",\"usage\":{\"input_tokens\":7}}}\n\n" +
	"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n" +
	"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
	"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
	"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

func TestGatewayStreamingEndToEnd(t *testing.T) {
	var sawStream bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &req)
		sawStream, _ = req["stream"].(bool)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, anthropicStreamScript)
	}))
	defer backend.Close()

	providers := testRegistry(t, &registry.Provider{
		Name:    "anthro",
		BaseURL: backend.URL,
		APIKey:  "sk-ant-test1234",
		Models:  []string{"claude-2"},
		Enabled: true,
		Format:  "anthropic",
	})
	srv := setupGateway(t, providers, nil, Options{})

	resp := postJSON(t, srv.URL+"/chat/completions", `{"model":"claude-2","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}
	if !sawStream {
		t.Error("Expected the outbound body to carry stream true")
	}

	frames := collectFrames(t, string(body))
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d: %s", len(frames), body)
	}
	if string(frames[2].Data) != "[DONE]" {
		t.Errorf("Expected trailing [DONE], got %q", frames[2].Data)
	}

	var first struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(frames[0].Data, &first); err != nil {
		t.Fatalf("first frame is not JSON: %v", err)
	}
	if first.Object != "chat.completion.chunk" || first.Model != "claude-2" {
		t.Errorf("Unexpected first chunk: %s", frames[0].Data)
	}
	if len(first.Choices) != 1 || first.Choices[0].Delta.Content != "Hi" {
		t.Errorf("Expected the text delta in the first chunk, got %s", frames[0].Data)
	}
}

func TestGatewayNoProviderErrorShape(t *testing.T) {
	providers := testRegistry(t)
	srv := setupGateway(t, providers, nil, Options{})

	resp := postJSON(t, srv.URL+"/chat/completions", `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("error reply is not JSON: %v", err)
	}
	if out.Error.Code != "no_provider_for_model" {
		t.Errorf("Expected code no_provider_for_model, got %q", out.Error.Code)
	}
	if !strings.Contains(out.Error.Message, "nope") {
		t.Errorf("Expected the requested model in the message, got %q", out.Error.Message)
	}
}

func TestGatewayAnthropicEntryErrorShape(t *testing.T) {
	providers := testRegistry(t)
	srv := setupGateway(t, providers, nil, Options{})

	resp := postJSON(t, srv.URL+"/messages", `{"model":"claude-2","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for a messages request without max_tokens, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("error reply is not JSON: %v", err)
	}
	if out.Type != "error" || out.Error.Type != "invalid_request_error" {
		t.Errorf("Expected the native error envelope, got %s", body)
	}
}

func TestGatewayUpstreamErrorPassThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer backend.Close()

	providers := testRegistry(t, &registry.Provider{
		Name:    "busy",
		BaseURL: backend.URL,
		APIKey:  "sk-test-12345678",
		Models:  []string{"gpt-4o"},
		Enabled: true,
	})
	srv := setupGateway(t, providers, nil, Options{})

	resp := postJSON(t, srv.URL+"/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected the upstream 503 kept, got %d", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("error reply is not JSON: %v", err)
	}
	if out.Error.Code != "upstream_error" {
		t.Errorf("Expected code upstream_error, got %q", out.Error.Code)
	}
	if !strings.Contains(out.Error.Message, "overloaded") {
		t.Errorf("Expected the upstream body in the message, got %q", out.Error.Message)
	}
}

func TestGatewayMalformedUpstreamResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>definitely not json</html>`)
	}))
	defer backend.Close()

	providers := testRegistry(t, &registry.Provider{
		Name:    "weird",
		BaseURL: backend.URL,
		APIKey:  "sk-test-12345678",
		Models:  []string{"gpt-4o"},
		Enabled: true,
	})
	srv := setupGateway(t, providers, nil, Options{})

	resp := postJSON(t, srv.URL+"/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502 for a garbage upstream reply, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "api_error") {
		t.Errorf("Expected an api_error reply, got %s", body)
	}
}

type stubLimiterStore struct {
	total int64
}

func (s *stubLimiterStore) IncrBy(_ context.Context, _ string, v int64) *redis.IntCmd {
	s.total += v
	return redis.NewIntResult(s.total, nil)
}

func (s *stubLimiterStore) Expire(_ context.Context, _ string, _ time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func TestGatewayRateLimitsByEstimatedTokens(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer backend.Close()

	providers := testRegistry(t, &registry.Provider{
		Name:    "oai",
		BaseURL: backend.URL,
		APIKey:  "sk-test-12345678",
		Models:  []string{"gpt-4o"},
		Enabled: true,
	})
	limiter := ratelimit.NewTestLimiter(&stubLimiterStore{}, 100)
	srv := setupGateway(t, providers, limiter, Options{})

	reqBody := `{"model":"gpt-4o","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/chat/completions", reqBody)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200 within budget, got %d: %s", i, resp.StatusCode, body)
		}
	}

	resp := postJSON(t, srv.URL+"/chat/completions", reqBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 past the budget, got %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", resp.Header.Get("Retry-After"))
	}
	if !strings.Contains(string(body), "rate_limit_exceeded") {
		t.Errorf("Expected a rate_limit_exceeded reply, got %s", body)
	}
}

func TestGatewayToggleTakesEffect(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer backend.Close()

	providers := registry.New(nil)
	created, err := providers.Create(context.Background(), &registry.Provider{
		Name:    "oai",
		BaseURL: backend.URL,
		APIKey:  "sk-test-12345678",
		Models:  []string{"gpt-4o"},
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	srv := setupGateway(t, providers, nil, Options{})

	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, srv.URL+"/chat/completions", reqBody)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 while disabled, got %d", resp.StatusCode)
	}

	if _, err := providers.Toggle(context.Background(), created.ID, nil); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	resp = postJSON(t, srv.URL+"/chat/completions", reqBody)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 once enabled, got %d", resp.StatusCode)
	}
}

// A provider deleted while a stream is in flight must not break that
// stream; the dispatch holds its own snapshot of the record.
func TestGatewayDeleteProviderMidStream(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")

		head := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"usage\":{\"input_tokens\":7}}}\n\n" +
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n"
		fmt.Fprint(w, head)
		flusher.Flush()

		<-release
		tail := "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
		fmt.Fprint(w, tail)
	}))
	defer backend.Close()

	providers := registry.New(nil)
	created, err := providers.Create(context.Background(), &registry.Provider{
		Name:    "anthro",
		BaseURL: backend.URL,
		APIKey:  "sk-ant-test1234",
		Models:  []string{"claude-2"},
		Enabled: true,
		Format:  "anthropic",
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	srv := setupGateway(t, providers, nil, Options{})

	reqBody := `{"model":"claude-2","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, srv.URL+"/chat/completions", reqBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	scanner := newFrameScanner(resp.Body)
	firstFrame, err := scanner.Next()
	if err != nil {
		t.Fatalf("reading the first frame failed: %v", err)
	}
	if !strings.Contains(string(firstFrame.Data), "Hi") {
		t.Fatalf("Expected the first text chunk, got %s", firstFrame.Data)
	}

	if err := providers.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("delete mid-stream: %v", err)
	}
	close(release)

	var last []byte
	for {
		f, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading the stream tail failed: %v", err)
		}
		last = f.Data
	}
	if string(last) != "[DONE]" {
		t.Errorf("Expected the stream to complete after deletion, got %q", last)
	}

	resp = postJSON(t, srv.URL+"/chat/completions", reqBody)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after deletion, got %d", resp.StatusCode)
	}
}

func TestGatewayModelsEndpoint(t *testing.T) {
	providers := testRegistry(t,
		&registry.Provider{
			Name:    "first",
			BaseURL: "http://first.example",
			APIKey:  "sk-test-12345678",
			Models:  []string{"shared-model", "first-model"},
			Enabled: true,
		},
		&registry.Provider{
			Name:    "second",
			BaseURL: "http://second.example",
			APIKey:  "sk-test-12345678",
			Models:  []string{"shared-model", "second-model"},
			Enabled: true,
		},
		&registry.Provider{
			Name:    "off",
			BaseURL: "http://off.example",
			APIKey:  "sk-test-12345678",
			Models:  []string{"hidden-model"},
			Enabled: false,
		},
	)
	srv := setupGateway(t, providers, nil, Options{})

	resp, err := http.Get(srv.URL + "/models")
	if err != nil {
		t.Fatalf("GET /models failed: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	if out.Object != "list" {
		t.Errorf("Expected object list, got %q", out.Object)
	}

	byID := make(map[string]string)
	for _, m := range out.Data {
		byID[m.ID] = m.OwnedBy
	}
	if len(out.Data) != 3 {
		t.Errorf("Expected 3 models after dedupe, got %d: %s", len(out.Data), body)
	}
	if byID["shared-model"] != "first" {
		t.Errorf("Expected shared-model owned by the first provider, got %q", byID["shared-model"])
	}
	if _, ok := byID["hidden-model"]; ok {
		t.Error("Expected disabled providers hidden from /models")
	}
}
