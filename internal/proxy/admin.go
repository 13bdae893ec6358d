package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llmrelay/llmrelay/internal/registry"
	"github.com/llmrelay/llmrelay/internal/transformer"
)

// Admin is the provider management surface. It speaks plain JSON, not an
// entry wire format; API keys never leave it unredacted.
type Admin struct {
	providers    *registry.Registry
	transformers *transformer.Registry
}

func NewAdmin(providers *registry.Registry, transformers *transformer.Registry) *Admin {
	return &Admin{providers: providers, transformers: transformers}
}

// checkFormat rejects provider writes naming a wire format nothing is
// registered for. An empty format falls back to the default and is fine.
func (a *Admin) checkFormat(format string) error {
	if format == "" {
		return nil
	}
	if _, ok := a.transformers.Get(format); !ok {
		return fmt.Errorf("unknown provider format %q, registered: %v", format, a.transformers.Names())
	}
	return nil
}

// Routes returns the CRUD surface, meant to be mounted under /providers.
func (a *Admin) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", a.handleList)
	r.Post("/", a.handleCreate)
	r.Get("/{id}", a.handleGet)
	r.Put("/{id}", a.handleUpdate)
	r.Delete("/{id}", a.handleDelete)
	r.Patch("/{id}/toggle", a.handleToggle)
	return r
}

type providerPayload struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"api_base_url"`
	APIKey         string   `json:"api_key"`
	Models         []string `json:"models"`
	Enabled        *bool    `json:"enabled"`
	Format         string   `json:"format"`
	MaxTokensLimit int      `json:"max_tokens_limit"`
}

func (a *Admin) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload providerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.checkFormat(payload.Format); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	created, err := a.providers.Create(r.Context(), &registry.Provider{
		Name:           payload.Name,
		BaseURL:        payload.BaseURL,
		APIKey:         payload.APIKey,
		Models:         payload.Models,
		Enabled:        enabled,
		Format:         payload.Format,
		MaxTokensLimit: payload.MaxTokensLimit,
	})
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.Redacted())
}

func (a *Admin) handleList(w http.ResponseWriter, r *http.Request) {
	records := a.providers.List()
	out := make([]*registry.Provider, len(records))
	for i, p := range records {
		out[i] = p.Redacted()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

func (a *Admin) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := a.providers.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Redacted())
}

func (a *Admin) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch registry.Update
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.Format != nil {
		if err := a.checkFormat(*patch.Format); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	updated, err := a.providers.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Redacted())
}

func (a *Admin) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.providers.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleToggle flips enabled, or sets it when the body says which way.
func (a *Admin) handleToggle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var enabled *bool
	if len(bytes.TrimSpace(body)) > 0 {
		var payload struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Enabled == nil {
			writeAdminError(w, http.StatusBadRequest, `body must be empty or {"enabled": true|false}`)
			return
		}
		enabled = payload.Enabled
	}

	p, err := a.providers.Toggle(r.Context(), chi.URLParam(r, "id"), enabled)
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Redacted())
}

func (a *Admin) writeRegistryError(w http.ResponseWriter, err error) {
	var verr *registry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeAdminError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeAdminError(w, http.StatusNotFound, "provider not found")
	default:
		writeAdminError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
