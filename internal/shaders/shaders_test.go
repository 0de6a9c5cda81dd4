// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shaders

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestSourcesContainEntryPoints(t *testing.T) {
	tests := []struct {
		name     string
		required []string
	}{
		{Clear, []string{"@vertex", "@fragment", "vs_main", "fs_main"}},
		{Mesh, []string{"vs_main", "vs_shadow", "fs_opaque", "fs_transparent", "fs_visibility", "GBuffer"}},
		{Fullscreen, []string{"vs_fullscreen", "fs_sky", "fs_motion", "fs_taa", "fs_ssr", "fs_ssao", "fs_bloom", "fs_post", "TOGGLE_SSAO"}},
		{HZB, []string{"@compute", "@workgroup_size", "cs_hzb", "textureStore"}},
		{Cull, []string{"@compute", "cs_cull", "atomicAdd", "DrawIndexedArgs"}},
		{SSAO, []string{"@compute", "cs_ssao"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Source(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			for _, r := range tt.required {
				if !strings.Contains(src, r) {
					t.Errorf("%s missing %q", tt.name, r)
				}
			}
		})
	}
	if got := Names(); len(got) != len(tests) {
		t.Errorf("Names() = %v", got)
	}
}

func TestUnknownShader(t *testing.T) {
	if _, err := Source("raytrace"); !errors.Is(err, ErrUnknown) {
		t.Errorf("Source err = %v", err)
	}
	l := NewLibraryWith(func(string) ([]byte, error) { return []byte{3, 2, 35, 7}, nil })
	if _, err := l.Compile("raytrace"); !errors.Is(err, ErrUnknown) {
		t.Errorf("Compile err = %v", err)
	}
}

func TestLibraryCaches(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	l := NewLibraryWith(func(src string) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if strings.Contains(src, "cs_cull") {
			return nil, errors.New("unsupported atomic")
		}
		return []byte{0x03, 0x02, 0x23, 0x07, 1, 0, 0, 0}, nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := l.Compile(Fullscreen)
			if err != nil || len(code) != 2 || code[0] != 0x07230203 {
				t.Errorf("Compile = %x, %v", code, err)
			}
		}()
	}
	wg.Wait()

	for range 2 {
		if _, err := l.Compile(Cull); !errors.Is(err, ErrCompile) {
			t.Errorf("Compile(cull) err = %v, want ErrCompile", err)
		}
	}
	if calls != 2 {
		t.Errorf("compiler called %d times, want 2", calls)
	}
	if l.Cached() != 2 {
		t.Errorf("Cached = %d", l.Cached())
	}
}

func TestMisalignedOutput(t *testing.T) {
	l := NewLibraryWith(func(string) ([]byte, error) { return []byte{1, 2, 3}, nil })
	if _, err := l.Compile(Clear); !errors.Is(err, ErrCompile) {
		t.Errorf("err = %v", err)
	}
}

func TestNagaCompilesClear(t *testing.T) {
	code, err := NewLibrary().Compile(Clear)
	if err != nil {
		t.Fatalf("Compile(clear): %v", err)
	}
	if len(code) < 5 || code[0] != 0x07230203 {
		t.Errorf("not SPIR-V: %d words, magic %#x", len(code), code[0])
	}
}
