// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package shaders embeds the renderer's WGSL programs and compiles them to
// SPIR-V through naga on first use.
package shaders

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gogpu/naga"

	"github.com/gogpu/cortex/internal/logging"
)

// Shader module names.
const (
	Clear      = "clear"
	Mesh       = "mesh"
	Fullscreen = "fullscreen"
	HZB        = "hzb"
	Cull       = "cull"
	SSAO       = "ssao"
)

var (
	// ErrUnknown is returned for a name with no embedded source.
	ErrUnknown = errors.New("shaders: unknown shader")

	// ErrCompile wraps naga failures. Callers treat it as a recoverable
	// pipeline failure and skip the pass.
	ErrCompile = errors.New("shaders: compile failed")
)

//go:embed wgsl/*.wgsl
var sources embed.FS

func slogger() *slog.Logger { return logging.Component("shaders") }

// Source returns the WGSL text of a module.
func Source(name string) (string, error) {
	b, err := sources.ReadFile(path.Join("wgsl", name+".wgsl"))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return string(b), nil
}

// Names lists the embedded modules, sorted.
func Names() []string {
	entries, err := sources.ReadDir("wgsl")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".wgsl"))
	}
	sort.Strings(out)
	return out
}

// CompileFunc turns WGSL into SPIR-V bytes.
type CompileFunc func(source string) ([]byte, error)

type result struct {
	code []uint32
	err  error
}

// Library compiles modules once and caches the SPIR-V. Failures are cached
// too, so a broken module is reported once. Library is safe for concurrent
// use.
type Library struct {
	compile CompileFunc

	mu    sync.Mutex
	cache map[string]result
}

// NewLibrary returns a library compiling with naga's default options.
func NewLibrary() *Library {
	return NewLibraryWith(func(src string) ([]byte, error) {
		return naga.CompileWithOptions(src, naga.DefaultOptions())
	})
}

// NewLibraryWith returns a library using fn as the compiler.
func NewLibraryWith(fn CompileFunc) *Library {
	return &Library{compile: fn, cache: make(map[string]result)}
}

// Compile returns the SPIR-V words of a module.
func (l *Library) Compile(name string) ([]uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.cache[name]; ok {
		return r.code, r.err
	}
	r := l.build(name)
	l.cache[name] = r
	return r.code, r.err
}

func (l *Library) build(name string) result {
	src, err := Source(name)
	if err != nil {
		return result{err: err}
	}
	spv, err := l.compile(src)
	if err != nil {
		slogger().Error("shader compilation failed", "shader", name, "err", err)
		return result{err: fmt.Errorf("%w: %s: %w", ErrCompile, name, err)}
	}
	if len(spv)%4 != 0 {
		return result{err: fmt.Errorf("%w: %s: SPIR-V length %d is not word aligned", ErrCompile, name, len(spv))}
	}
	slogger().Debug("shader compiled", "shader", name, "bytes", len(spv))
	return result{code: Words(spv)}
}

// Cached returns the number of modules compiled or failed so far.
func (l *Library) Cached() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

// Words converts little-endian SPIR-V bytes to words.
func Words(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return out
}
