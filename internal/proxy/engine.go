// Package proxy is the request path of the gateway: it decodes an inbound
// body with the entry-format transformer, picks a provider for the model,
// re-encodes the request in the provider's wire format, dispatches it, and
// reshapes the reply (complete or streamed) back into the entry format.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/llmrelay/llmrelay/internal/registry"
	"github.com/llmrelay/llmrelay/internal/schema"
	"github.com/llmrelay/llmrelay/internal/transformer"
)

const (
	defaultUpstreamTimeout      = 120 * time.Second
	defaultLongContextThreshold = 60000
)

var errInvalidUpstream = errors.New("invalid upstream response")

// RouteTable holds the fallback routes consulted when the requested model
// alone does not decide the provider.
type RouteTable struct {
	// Default is tried when no enabled provider lists the requested model.
	Default string
	// LongContext, when set, takes over requests whose estimated prompt
	// size exceeds LongContextThreshold tokens.
	LongContext          string
	LongContextThreshold int
}

type Engine struct {
	providers    *registry.Registry
	transformers *transformer.Registry
	client       *http.Client
	routes       RouteTable
	timeout      time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type Options struct {
	// Timeout bounds a non-streaming upstream call end to end. Zero means
	// the default; streaming calls are bounded by the client connection
	// instead.
	Timeout time.Duration
	Routes  RouteTable
	// Client overrides the upstream HTTP client, mainly for tests.
	Client *http.Client
}

func NewEngine(providers *registry.Registry, transformers *transformer.Registry, opts Options) *Engine {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultUpstreamTimeout
	}
	return &Engine{
		providers:    providers,
		transformers: transformers,
		client:       client,
		routes:       opts.Routes,
		timeout:      timeout,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// prepare runs the request through decode and routing and returns a
// dispatch holding everything needed to call the provider. No I/O happens
// here; every failure is a client-reportable error.
func (e *Engine) prepare(entry transformer.Transformer, body []byte) (*dispatch, error) {
	req, err := entry.DecodeRequest(body)
	if err != nil {
		return nil, err
	}

	clientModel := req.Model
	prov, upstreamModel, ok := e.route(req)
	if !ok {
		return nil, &NoProviderForModelError{Model: clientModel}
	}

	up, ok := e.transformers.Get(prov.WireFormat())
	if !ok {
		return nil, &UnknownFormatError{Format: prov.WireFormat()}
	}

	routed := req.Clone()
	routed.Model = upstreamModel
	if prov.MaxTokensLimit > 0 && (routed.MaxTokens == 0 || routed.MaxTokens > prov.MaxTokensLimit) {
		routed.MaxTokens = prov.MaxTokensLimit
	}

	return &dispatch{
		engine:      e,
		entry:       entry,
		upstream:    up,
		provider:    prov,
		req:         routed,
		clientModel: clientModel,
	}, nil
}

// route resolves the provider for a request. Oversized prompts go to the
// long-context route first, then the requested model, then the default
// route.
func (e *Engine) route(req *schema.Request) (*registry.Provider, string, bool) {
	if e.routes.LongContext != "" {
		threshold := e.routes.LongContextThreshold
		if threshold <= 0 {
			threshold = defaultLongContextThreshold
		}
		if estimatePromptTokens(req) > threshold {
			if p, m, ok := e.providers.ResolveModel(e.routes.LongContext); ok {
				return p, m, true
			}
		}
	}
	if p, m, ok := e.providers.ResolveModel(req.Model); ok {
		return p, m, true
	}
	if e.routes.Default != "" {
		if p, m, ok := e.providers.ResolveModel(e.routes.Default); ok {
			return p, m, true
		}
	}
	return nil, "", false
}

// estimatePromptTokens approximates tokens as characters over four. Cheap
// and close enough to steer oversized prompts to a long-context model.
func estimatePromptTokens(req *schema.Request) int {
	chars := 0
	for _, m := range req.Messages {
		for _, b := range m.Blocks {
			switch b.Type {
			case schema.BlockText:
				chars += len(b.Text)
			case schema.BlockToolCall:
				chars += len(b.Name) + len(b.Arguments)
			case schema.BlockToolResult:
				chars += len(b.Content)
			}
		}
	}
	return chars / 4
}

func (e *Engine) breaker(p *registry.Provider) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[p.ID]; ok {
		return cb
	}
	settings := gobreaker.Settings{
		Name:        p.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A 4xx is the caller's problem, not provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ue *UpstreamError
			return errors.As(err, &ue) && ue.Status < 500
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	e.breakers[p.ID] = cb
	return cb
}

// dispatch is one routed request: entry transformer on the client side,
// upstream transformer and provider on the other. The provider record is
// this request's own copy; registry mutations after routing do not reach
// it.
type dispatch struct {
	engine      *Engine
	entry       transformer.Transformer
	upstream    transformer.Transformer
	provider    *registry.Provider
	req         *schema.Request
	clientModel string
}

func (d *dispatch) url() string {
	return strings.TrimSuffix(d.provider.BaseURL, "/") + d.upstream.Endpoint()
}

// do performs a non-streaming completion.
func (d *dispatch) do(ctx context.Context) ([]byte, error) {
	out, err := d.upstream.EncodeRequest(d.req)
	if err != nil {
		return nil, err
	}

	cb := d.engine.breaker(d.provider)
	result, err := cb.Execute(func() (interface{}, error) {
		return d.roundTrip(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	resp, err := d.upstream.DecodeResponse(result.([]byte))
	if err != nil {
		return nil, fmt.Errorf("%w from %s: %v", errInvalidUpstream, d.provider.Name, err)
	}
	// The reply carries the model string the client asked for, not the
	// routed one, matching what the stream path does.
	resp.Model = d.clientModel
	return d.entry.EncodeResponse(resp)
}

func (d *dispatch) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	if t := d.engine.timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	d.upstream.ApplyAuth(httpReq.Header, d.provider.APIKey)

	resp, err := d.engine.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamTimeout, d.provider.Name)
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamTimeout, d.provider.Name)
		}
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

// openStream issues the upstream call for a streaming request and hands
// back the response with its body still open. Failures before the first
// byte are returned as plain errors so the caller can still answer with a
// JSON error instead of a broken event stream. The deadline covers only
// the wait for response headers; the body outlives it and is bounded by
// the client connection.
func (d *dispatch) openStream(ctx context.Context) (*http.Response, error) {
	cb := d.engine.breaker(d.provider)
	if cb.State() == gobreaker.StateOpen {
		return nil, gobreaker.ErrOpenState
	}

	body, err := d.upstream.EncodeRequest(d.req)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d.engine.timeout, cancel)

	httpReq, err := http.NewRequestWithContext(hctx, http.MethodPost, d.url(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	d.upstream.ApplyAuth(httpReq.Header, d.provider.APIKey)

	resp, err := d.engine.client.Do(httpReq)
	if !timer.Stop() && err != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %s", ErrUpstreamTimeout, d.provider.Name)
	}
	if err != nil {
		d.record(cb, err)
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		uerr := &UpstreamError{Status: resp.StatusCode, Body: raw}
		d.record(cb, uerr)
		return nil, uerr
	}

	d.record(cb, nil)
	return resp, nil
}

// record feeds an outcome the breaker observed outside Execute.
func (d *dispatch) record(cb *gobreaker.CircuitBreaker, err error) {
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}
