package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmrelay/llmrelay/internal/transformer"
	"github.com/llmrelay/llmrelay/pkg/ratelimit"
)

type Handler struct {
	engine       *Engine
	transformers *transformer.Registry
	limiter      *ratelimit.Limiter
	tracer       trace.Tracer
}

// NewHandler wires the entry endpoints. limiter may be nil to run without
// rate limiting.
func NewHandler(engine *Engine, transformers *transformer.Registry, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		engine:       engine,
		transformers: transformers,
		limiter:      limiter,
		tracer:       tracer,
	}
}

// Routes returns the entry surface, meant to be mounted under /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/chat/completions", h.handleEntry("openai"))
	r.Post("/messages", h.handleEntry("anthropic"))
	r.Get("/models", h.handleModels)
	return r
}

func (h *Handler) handleEntry(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, ok := h.transformers.Get(format)
		if !ok {
			http.Error(w, "unknown entry format", http.StatusInternalServerError)
			return
		}

		ctx, span := h.tracer.Start(r.Context(), "proxy."+format)
		defer span.End()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			h.writeError(w, entry, transformer.NewUnsupportedSchema("request body unreadable: %v", err))
			return
		}

		disp, err := h.engine.prepare(entry, body)
		if err != nil {
			span.RecordError(err)
			h.writeError(w, entry, err)
			return
		}
		span.SetAttributes(
			attribute.String("model", disp.clientModel),
			attribute.String("provider", disp.provider.Name),
			attribute.String("upstream_model", disp.req.Model),
			attribute.Bool("stream", disp.req.Stream),
		)
		slog.Debug("request routed",
			"model", disp.clientModel,
			"provider", disp.provider.Name,
			"upstream_model", disp.req.Model,
			"stream", disp.req.Stream)

		if h.limiter != nil {
			estimated := disp.req.MaxTokens
			if estimated <= 0 {
				estimated = 1000
			}
			allowed, lerr := h.limiter.Allow(ctx, clientKey(r), estimated)
			if lerr == nil && !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(entry.EncodeError(http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded, retry later"))
				return
			}
		}

		if disp.req.Stream {
			h.stream(ctx, w, disp)
			return
		}

		out, err := disp.do(ctx)
		if err != nil {
			span.RecordError(err)
			h.writeError(w, entry, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	}
}

func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, disp *dispatch) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	resp, err := disp.openStream(ctx)
	if err != nil {
		h.writeError(w, disp.entry, err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	dec := disp.upstream.NewDeltaDecoder()
	enc := disp.entry.NewDeltaEncoder("", disp.clientModel)
	if err := relay(ctx, resp.Body, dec, enc, w, flusher.Flush); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("stream relay ended early", "provider", disp.provider.Name, "error", err)
	}
}

// handleModels lists every model an enabled provider serves, first provider
// wins on duplicates.
func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	seen := make(map[string]bool)
	data := []modelEntry{}
	for _, p := range h.engine.providers.List() {
		if !p.Enabled {
			continue
		}
		for _, m := range p.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: p.Name})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, entry transformer.Transformer, err error) {
	status, code := classifyError(err)
	if status >= 500 {
		slog.Warn("request failed", "status", status, "code", code, "error", err)
	} else {
		slog.Debug("request rejected", "status", status, "code", code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(entry.EncodeError(status, code, err.Error()))
}

// classifyError maps the error taxonomy onto HTTP statuses. Upstream errors
// keep the upstream status so the caller can tell a provider rejection from
// a gateway fault.
func classifyError(err error) (status int, code string) {
	var (
		noProvider *NoProviderForModelError
		upstream   *UpstreamError
		format     *UnknownFormatError
		schemaErr  *transformer.UnsupportedSchemaError
		fieldErr   *transformer.InvalidFieldError
	)
	switch {
	case errors.As(err, &noProvider):
		return http.StatusNotFound, "no_provider_for_model"
	case errors.As(err, &upstream):
		return upstream.Status, "upstream_error"
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.As(err, &format):
		return http.StatusBadGateway, "provider_misconfigured"
	case errors.As(err, &schemaErr):
		return http.StatusBadRequest, "unsupported_schema"
	case errors.As(err, &fieldErr):
		return http.StatusBadRequest, "invalid_field"
	default:
		return http.StatusBadGateway, "api_error"
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
