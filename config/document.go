package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Document is the optional JSON config file passed with --config. It carries
// the listen address, the fallback route table, and a declarative provider
// list that is synced into the registry on load and on every file change.
type Document struct {
	Server    ServerDoc     `mapstructure:"server"`
	Router    RouterDoc     `mapstructure:"router"`
	Providers []ProviderDoc `mapstructure:"providers"`
}

type ServerDoc struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// RouterDoc names fallback routes as "provider,model" or bare model strings.
type RouterDoc struct {
	Default              string `mapstructure:"default"`
	LongContext          string `mapstructure:"long_context"`
	LongContextThreshold int    `mapstructure:"long_context_threshold"`
}

type ProviderDoc struct {
	Name           string   `mapstructure:"name"`
	Format         string   `mapstructure:"format"`
	BaseURL        string   `mapstructure:"base_url"`
	APIKey         string   `mapstructure:"api_key"`
	Models         []string `mapstructure:"models"`
	Enabled        *bool    `mapstructure:"enabled"`
	MaxTokensLimit int      `mapstructure:"max_tokens_limit"`
}

func (d Document) clone() Document {
	out := d
	out.Providers = make([]ProviderDoc, len(d.Providers))
	for i, p := range d.Providers {
		cp := p
		cp.Models = append([]string(nil), p.Models...)
		if p.Enabled != nil {
			on := *p.Enabled
			cp.Enabled = &on
		}
		out.Providers[i] = cp
	}
	return out
}

const watchDebounce = 100 * time.Millisecond

// Watcher holds the current document snapshot and re-reads the file when it
// changes on disk. A broken rewrite keeps the last good snapshot.
type Watcher struct {
	v    *viper.Viper
	path string

	mu       sync.RWMutex
	doc      Document
	onChange []func(Document)
}

// Open reads and parses the document at path.
func Open(path string) (*Watcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	doc, err := unmarshal(v)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &Watcher{v: v, path: path, doc: doc}, nil
}

// Document returns a copy of the current snapshot.
func (w *Watcher) Document() Document {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doc.clone()
}

// OnChange registers a callback invoked with the new snapshot after every
// successful reload. Register before calling Watch.
func (w *Watcher) OnChange(fn func(Document)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch starts watching the file for the life of the process. Editors write
// config files as a burst of events, so reloads are debounced.
func (w *Watcher) Watch() {
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	w.v.OnConfigChange(func(_ fsnotify.Event) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			w.reload()
		})
	})
	w.v.WatchConfig()
}

func (w *Watcher) reload() {
	if err := w.v.ReadInConfig(); err != nil {
		slog.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	doc, err := unmarshal(w.v)
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.doc = doc
	callbacks := append([]func(Document)(nil), w.onChange...)
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path, "providers", len(doc.Providers))
	for _, fn := range callbacks {
		fn(doc.clone())
	}
}

func unmarshal(v *viper.Viper) (Document, error) {
	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return Document{}, err
	}
	// API keys in config files usually point at the environment rather than
	// holding the secret inline.
	for i := range doc.Providers {
		doc.Providers[i].APIKey = os.ExpandEnv(doc.Providers[i].APIKey)
	}
	return doc, nil
}
