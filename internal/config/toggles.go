// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment toggle: disable-ssr is read from
// CORTEX_DISABLE_SSR.
const EnvPrefix = "CORTEX_"

// Toggles are the run-level switches accepted from the command line, the
// environment and the config file.
//
// Precedence when switches overlap:
//   - force-minimal-frame wins over everything;
//   - force-enable-features ignores every disable-* switch;
//   - disable-hdr also turns off TAA, SSR, SSAO and bloom.
type Toggles struct {
	DisableHDR                bool `toml:"disable_hdr"`
	DisableVisibilityBuffer   bool `toml:"disable_visibility_buffer"`
	EnableVisibilityBuffer    bool `toml:"enable_visibility_buffer"`
	DisableSSR                bool `toml:"disable_ssr"`
	DisableSSAO               bool `toml:"disable_ssao"`
	DisableBloom              bool `toml:"disable_bloom"`
	DisableTAA                bool `toml:"disable_taa"`
	DisablePostProcess        bool `toml:"disable_post_process"`
	DisableRenderGraphShadows bool `toml:"disable_render_graph_shadows"`
	DisableRenderGraphHZB     bool `toml:"disable_render_graph_hzb"`
	DisableRenderGraphPost    bool `toml:"disable_render_graph_post"`
	ForceEnableFeatures       bool `toml:"force_enable_features"`
	ForceMinimalFrame         bool `toml:"force_minimal_frame"`
	LogVRAM                   bool `toml:"log_vram"`
	TAANoJitter               bool `toml:"taa_no_jitter"`

	ReflectionClear ReflectionClear `toml:"reflection_clear"`
}

// Switch is one boolean toggle with its command-line name.
type Switch struct {
	Name  string
	Usage string
	Value *bool
}

// EnvName returns the environment variable read for the switch.
func (s Switch) EnvName() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(s.Name, "-", "_"))
}

// Switches returns the boolean toggles bound to t, in table order.
func (t *Toggles) Switches() []Switch {
	return []Switch{
		{"disable-hdr", "render directly to the back buffer; also disables TAA, SSR, SSAO and bloom", &t.DisableHDR},
		{"disable-visibility-buffer", "force the forward opaque path", &t.DisableVisibilityBuffer},
		{"enable-visibility-buffer", "legacy opt-in, equivalent to the default", &t.EnableVisibilityBuffer},
		{"disable-ssr", "skip screen-space reflections", &t.DisableSSR},
		{"disable-ssao", "skip screen-space ambient occlusion", &t.DisableSSAO},
		{"disable-bloom", "skip bloom", &t.DisableBloom},
		{"disable-taa", "skip temporal anti-aliasing", &t.DisableTAA},
		{"disable-post-process", "skip the fullscreen resolve", &t.DisablePostProcess},
		{"disable-render-graph-shadows", "use imperative transitions for the shadow pass", &t.DisableRenderGraphShadows},
		{"disable-render-graph-hzb", "use imperative transitions for the HZB build", &t.DisableRenderGraphHZB},
		{"disable-render-graph-post", "use imperative transitions for post-processing", &t.DisableRenderGraphPost},
		{"force-enable-features", "ignore every disable-* toggle", &t.ForceEnableFeatures},
		{"force-minimal-frame", "replace the frame with a back-buffer clear and present", &t.ForceMinimalFrame},
		{"log-vram", "periodically log video memory usage", &t.LogVRAM},
		{"taa-no-jitter", "zero the TAA jitter amplitude", &t.TAANoJitter},
	}
}

// ReflectionClearEnv is the environment variable selecting the reflection
// clear debug mode.
const ReflectionClearEnv = EnvPrefix + "REFLECTION_CLEAR"

// LoadEnv sets every toggle whose environment variable is present. A
// variable set to an empty string counts as true. lookup is os.LookupEnv
// outside tests.
func (t *Toggles) LoadEnv(lookup func(string) (string, bool)) error {
	for _, s := range t.Switches() {
		v, ok := lookup(s.EnvName())
		if !ok {
			continue
		}
		if v == "" {
			*s.Value = true
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", s.EnvName(), v, err)
		}
		*s.Value = b
	}
	if v, ok := lookup(ReflectionClearEnv); ok {
		if err := t.ReflectionClear.UnmarshalText([]byte(v)); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns t with the precedence rules applied.
func (t Toggles) Resolve() Toggles {
	if t.ForceEnableFeatures {
		t.DisableHDR = false
		t.DisableVisibilityBuffer = false
		t.DisableSSR = false
		t.DisableSSAO = false
		t.DisableBloom = false
		t.DisableTAA = false
		t.DisablePostProcess = false
		t.DisableRenderGraphShadows = false
		t.DisableRenderGraphHZB = false
		t.DisableRenderGraphPost = false
	}
	if t.DisableHDR {
		t.DisableTAA = true
		t.DisableSSR = true
		t.DisableSSAO = true
		t.DisableBloom = true
	}
	return t
}

// Apply resolves t and folds it into q.
func (t Toggles) Apply(q *Quality) {
	r := t.Resolve()
	if r.ForceMinimalFrame {
		q.MinimalFrame = true
	}
	if r.EnableVisibilityBuffer {
		q.VisibilityBuffer = true
	}
	off := []struct {
		on  bool
		dst *bool
	}{
		{r.DisableHDR, &q.HDR},
		{r.DisableVisibilityBuffer, &q.VisibilityBuffer},
		{r.DisableSSR, &q.SSR},
		{r.DisableSSAO, &q.SSAO},
		{r.DisableBloom, &q.Bloom},
		{r.DisableTAA, &q.TAA},
		{r.DisablePostProcess, &q.PostProcess},
		{r.DisableRenderGraphShadows, &q.RenderGraphShadows},
		{r.DisableRenderGraphHZB, &q.RenderGraphHZB},
		{r.DisableRenderGraphPost, &q.RenderGraphPost},
	}
	for _, o := range off {
		if o.on {
			*o.dst = false
		}
	}
	if r.LogVRAM {
		q.LogVRAM = true
	}
	if r.TAANoJitter {
		q.TAANoJitter = true
	}
	if r.ReflectionClear != ReflectionClearOff {
		q.ReflectionClear = r.ReflectionClear
	}
}
