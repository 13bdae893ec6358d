package main

import (
	"context"
	"testing"

	"github.com/llmrelay/llmrelay/config"
	"github.com/llmrelay/llmrelay/internal/registry"
	"github.com/llmrelay/llmrelay/internal/transformer"
	"github.com/llmrelay/llmrelay/internal/transformer/anthropic"
	"github.com/llmrelay/llmrelay/internal/transformer/openai"
)

func syncTransformers(t *testing.T) *transformer.Registry {
	t.Helper()
	reg := transformer.NewRegistry()
	for _, tr := range []transformer.Transformer{openai.New(), anthropic.New()} {
		if err := reg.Register(tr); err != nil {
			t.Fatalf("register transformer: %v", err)
		}
	}
	return reg
}

func TestSyncProvidersCreates(t *testing.T) {
	reg := registry.New(nil)
	off := false

	syncProviders(context.Background(), reg, syncTransformers(t), []config.ProviderDoc{
		{Name: "anthro", Format: "anthropic", BaseURL: "https://api.anthropic.com/v1", APIKey: "sk-a", Models: []string{"claude-2"}},
		{Name: "legacy", BaseURL: "https://legacy.example/v1", APIKey: "sk-l", Models: []string{"gpt-3.5-turbo"}, Enabled: &off},
	})

	anthro, err := reg.FindByName("anthro")
	if err != nil {
		t.Fatalf("anthro not created: %v", err)
	}
	if !anthro.Enabled {
		t.Error("absent enabled should default to true")
	}
	if anthro.Format != "anthropic" {
		t.Errorf("format not carried: %q", anthro.Format)
	}

	legacy, err := reg.FindByName("legacy")
	if err != nil {
		t.Fatalf("legacy not created: %v", err)
	}
	if legacy.Enabled {
		t.Error("explicit enabled:false not applied")
	}
}

func TestSyncProvidersUpdatesInPlace(t *testing.T) {
	reg := registry.New(nil)
	transformers := syncTransformers(t)

	doc := config.ProviderDoc{Name: "anthro", BaseURL: "https://api.anthropic.com/v1", APIKey: "sk-a", Models: []string{"claude-2"}}
	syncProviders(context.Background(), reg, transformers, []config.ProviderDoc{doc})
	before, _ := reg.FindByName("anthro")

	doc.BaseURL = "https://eu.anthropic.com/v1"
	doc.Models = []string{"claude-2", "claude-3-haiku"}
	syncProviders(context.Background(), reg, transformers, []config.ProviderDoc{doc})

	after, err := reg.FindByName("anthro")
	if err != nil {
		t.Fatalf("anthro gone after resync: %v", err)
	}
	if after.ID != before.ID {
		t.Error("resync should update the existing record, not create a new one")
	}
	if after.BaseURL != "https://eu.anthropic.com/v1" || len(after.Models) != 2 {
		t.Errorf("resync did not apply changes: %+v", after)
	}
	if got := len(reg.List()); got != 1 {
		t.Errorf("Expected 1 provider, got %d", got)
	}
}

func TestSyncProvidersSkipsBadEntries(t *testing.T) {
	reg := registry.New(nil)

	syncProviders(context.Background(), reg, syncTransformers(t), []config.ProviderDoc{
		{Name: "ghost", Format: "gemini", BaseURL: "https://g.example", APIKey: "sk-g", Models: []string{"m"}},
		{BaseURL: "https://anon.example", APIKey: "sk-x", Models: []string{"m"}},
		{Name: "broken", BaseURL: "https://b.example", APIKey: "sk-b"},
		{Name: "good", BaseURL: "https://good.example/v1", APIKey: "sk-ok", Models: []string{"gpt-4"}},
	})

	if _, err := reg.FindByName("ghost"); err == nil {
		t.Error("unknown format entry should be skipped")
	}
	if _, err := reg.FindByName("broken"); err == nil {
		t.Error("entry without models should be rejected")
	}
	if _, err := reg.FindByName("good"); err != nil {
		t.Error("one bad entry must not block the rest")
	}
	if got := len(reg.List()); got != 1 {
		t.Errorf("Expected 1 provider, got %d", got)
	}
}

func TestSyncProvidersLeavesRemovedEntriesAlone(t *testing.T) {
	reg := registry.New(nil)
	transformers := syncTransformers(t)

	syncProviders(context.Background(), reg, transformers, []config.ProviderDoc{
		{Name: "keep", BaseURL: "https://keep.example", APIKey: "sk-k", Models: []string{"m1"}},
		{Name: "drop", BaseURL: "https://drop.example", APIKey: "sk-d", Models: []string{"m2"}},
	})
	syncProviders(context.Background(), reg, transformers, []config.ProviderDoc{
		{Name: "keep", BaseURL: "https://keep.example", APIKey: "sk-k", Models: []string{"m1"}},
	})

	if _, err := reg.FindByName("drop"); err != nil {
		t.Error("entries removed from the file must not be deleted")
	}
}
