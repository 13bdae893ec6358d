package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleDocument = `{
  "server": {"host": "0.0.0.0", "port": "8787"},
  "router": {
    "default": "backup,gpt-4o-mini",
    "long_context": "big,claude-long",
    "long_context_threshold": 50000
  },
  "providers": [
    {
      "name": "anthro",
      "format": "anthropic",
      "base_url": "https://api.anthropic.com/v1",
      "api_key": "sk-ant-123",
      "models": ["claude-2", "claude-3-haiku"],
      "max_tokens_limit": 8192
    },
    {
      "name": "legacy",
      "format": "openai",
      "base_url": "https://legacy.example/v1",
      "api_key": "sk-legacy",
      "models": ["gpt-3.5-turbo"],
      "enabled": false
    }
  ]
}`

func writeDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llmrelay.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestOpenParsesDocument(t *testing.T) {
	w, err := Open(writeDocument(t, sampleDocument))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	doc := w.Document()
	if doc.Server.Host != "0.0.0.0" || doc.Server.Port != "8787" {
		t.Errorf("unexpected server block: %+v", doc.Server)
	}
	if doc.Router.Default != "backup,gpt-4o-mini" {
		t.Errorf("unexpected default route: %q", doc.Router.Default)
	}
	if doc.Router.LongContextThreshold != 50000 {
		t.Errorf("unexpected threshold: %d", doc.Router.LongContextThreshold)
	}
	if len(doc.Providers) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(doc.Providers))
	}

	anthro := doc.Providers[0]
	if anthro.Name != "anthro" || anthro.Format != "anthropic" {
		t.Errorf("unexpected first provider: %+v", anthro)
	}
	if anthro.MaxTokensLimit != 8192 {
		t.Errorf("max_tokens_limit not parsed: %d", anthro.MaxTokensLimit)
	}
	if anthro.Enabled != nil {
		t.Error("absent enabled should stay nil")
	}
	if doc.Providers[1].Enabled == nil || *doc.Providers[1].Enabled {
		t.Error("explicit enabled:false not parsed")
	}
}

func TestOpenExpandsAPIKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-live-9876")
	content := `{"providers": [{"name": "a", "base_url": "https://a.example", "api_key": "${TEST_UPSTREAM_KEY}", "models": ["m"]}]}`

	w, err := Open(writeDocument(t, content))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := w.Document().Providers[0].APIKey; got != "sk-live-9876" {
		t.Errorf("Expected expanded key, got %q", got)
	}
}

func TestOpenRejectsMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected an error")
	}
}

func TestDocumentSnapshotIsolated(t *testing.T) {
	w, err := Open(writeDocument(t, sampleDocument))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	doc := w.Document()
	doc.Providers[0].Models[0] = "mutated"
	doc.Providers[0].APIKey = "stolen"

	again := w.Document()
	if again.Providers[0].Models[0] != "claude-2" || again.Providers[0].APIKey != "sk-ant-123" {
		t.Error("Document returned a snapshot sharing state with the watcher")
	}
}

func TestReloadSwapsSnapshotAndNotifies(t *testing.T) {
	path := writeDocument(t, sampleDocument)
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var got []Document
	w.OnChange(func(doc Document) { got = append(got, doc) })

	next := `{"providers": [{"name": "solo", "base_url": "https://solo.example", "api_key": "sk-solo", "models": ["m1"]}]}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.reload()

	doc := w.Document()
	if len(doc.Providers) != 1 || doc.Providers[0].Name != "solo" {
		t.Errorf("snapshot not swapped: %+v", doc.Providers)
	}
	if len(got) != 1 || got[0].Providers[0].Name != "solo" {
		t.Errorf("callback not invoked with the new snapshot: %+v", got)
	}
}

func TestReloadKeepsPreviousOnBrokenFile(t *testing.T) {
	path := writeDocument(t, sampleDocument)
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	notified := false
	w.OnChange(func(Document) { notified = true })

	if err := os.WriteFile(path, []byte(`{"providers": [`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.reload()

	if len(w.Document().Providers) != 2 {
		t.Error("broken rewrite replaced the snapshot")
	}
	if notified {
		t.Error("broken rewrite should not notify")
	}
}
