// Package fallback runs strategy scripts locally in a goja runtime when the
// backend connection is unavailable.
package fallback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ErrModuleNotFound reports a strategy without a local script.
var ErrModuleNotFound = errors.New("fallback module not found")

// Metadata is the `metadata` export of a fallback script.
type Metadata struct {
	// Name is the backend strategy id the script stands in for.
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// Module is a compiled fallback script.
type Module struct {
	Name     string
	Filename string
	Path     string
	Hash     string
	Metadata Metadata
	Program  *goja.Program
	Size     int64
}

// ModuleSummary exposes immutable module details.
type ModuleSummary struct {
	Name     string   `json:"name"`
	File     string   `json:"file"`
	Hash     string   `json:"hash"`
	Size     int64    `json:"size"`
	Metadata Metadata `json:"metadata"`
}

// Loader compiles every script found in a directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
	logger *log.Logger
}

// NewLoader constructs a Loader rooted at dir. The directory is created when missing.
func NewLoader(root string, logger *log.Logger) (*Loader, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("fallback loader: root directory required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, fmt.Errorf("fallback loader: ensure directory %q: %w", clean, err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "fallback ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Loader{
		mu:     sync.RWMutex{},
		root:   clean,
		byName: make(map[string]*Module),
		logger: logger,
	}, nil
}

// Root returns the script directory.
func (l *Loader) Root() string {
	return l.root
}

// Refresh recompiles all scripts. A script that fails to compile aborts the refresh
// and leaves the previous set in place.
func (l *Loader) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fallback loader: refresh canceled: %w", err)
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("fallback loader: read directory %q: %w", l.root, err)
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		module, err := compileModule(fullPath, entry)
		if err != nil {
			return fmt.Errorf("fallback loader: compile module %q: %w", fullPath, err)
		}
		if _, exists := next[module.Name]; exists {
			return fmt.Errorf("fallback loader: duplicate strategy name %q", module.Name)
		}
		next[module.Name] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	l.logger.Printf("loaded %d fallback scripts from %s", len(next), l.root)
	return nil
}

// Get returns the module standing in for the named backend strategy.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[normaliseName(name)]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return module, nil
}

// List returns loaded modules sorted by name.
func (l *Loader) List() []ModuleSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ModuleSummary, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, ModuleSummary{
			Name:     module.Name,
			File:     module.Filename,
			Hash:     module.Hash,
			Size:     module.Size,
			Metadata: module.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	// #nosec G304 -- fullPath originates from os.ReadDir within the loader root.
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", fullPath, err)
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", fullPath, err)
	}

	rt := goja.New()
	exports, err := runModule(rt, prog, nil)
	if err != nil {
		return nil, err
	}
	meta, err := extractMetadata(rt, exports)
	if err != nil {
		return nil, err
	}
	if _, ok := goja.AssertFunction(exports.Get("run")); !ok {
		return nil, fmt.Errorf("run export missing or not callable")
	}

	sum := sha256.Sum256(source)
	var size int64
	if info, err := entry.Info(); err == nil {
		size = info.Size()
	}
	return &Module{
		Name:     meta.Name,
		Filename: entry.Name(),
		Path:     fullPath,
		Hash:     hex.EncodeToString(sum[:]),
		Metadata: meta,
		Program:  prog,
		Size:     size,
	}, nil
}

func extractMetadata(rt *goja.Runtime, exports *goja.Object) (Metadata, error) {
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return Metadata{}, fmt.Errorf("metadata export missing")
	}
	var meta Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = normaliseName(meta.Name)
	if meta.Name == "" {
		return Metadata{}, fmt.Errorf("metadata name required")
	}
	return meta, nil
}

// runModule evaluates program with CommonJS-style module/exports globals.
// A nil logger silences console output.
func runModule(rt *goja.Runtime, program *goja.Program, logger func(string)) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, logger)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return value.ToObject(rt), nil
}

func buildConsole(rt *goja.Runtime, logger func(string)) *goja.Object {
	console := rt.NewObject()
	emit := func(call goja.FunctionCall) goja.Value {
		if logger == nil {
			return goja.Undefined()
		}
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		logger(strings.Join(parts, " "))
		return goja.Undefined()
	}
	_ = console.Set("log", emit)
	_ = console.Set("info", emit)
	_ = console.Set("warn", emit)
	_ = console.Set("error", emit)
	return console
}
