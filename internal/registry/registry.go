// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package registry tracks approximate GPU memory used by scene assets
// against per-category soft budgets.
//
// Budgets are advisory: crossing one logs a single warning on the rising
// edge and raises a flag the quality governors consult. Nothing is evicted
// automatically; UnusedTextures and UnusedMeshes list candidates after a
// scene walk.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c2h5oh/datasize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/cortex/internal/logging"
)

// Default budgets.
const (
	DefaultTextureBudget               = 3584 * datasize.MB
	DefaultEnvironmentBudget           = 512 * datasize.MB
	DefaultGeometryBudget              = 1536 * datasize.MB
	DefaultAccelerationStructureBudget = 1536 * datasize.MB
)

// TextureKind separates environment maps from ordinary textures.
type TextureKind uint8

// Texture kinds.
const (
	TextureGeneric TextureKind = iota
	TextureEnvironment
)

// String returns the kind name.
func (k TextureKind) String() string {
	if k == TextureEnvironment {
		return "environment"
	}
	return "generic"
}

// Budgets holds per-category soft limits.
type Budgets struct {
	Texture               datasize.ByteSize `toml:"texture"`
	Environment           datasize.ByteSize `toml:"environment"`
	Geometry              datasize.ByteSize `toml:"geometry"`
	AccelerationStructure datasize.ByteSize `toml:"acceleration_structure"`
}

// DefaultBudgets returns the built-in budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Texture:               DefaultTextureBudget,
		Environment:           DefaultEnvironmentBudget,
		Geometry:              DefaultGeometryBudget,
		AccelerationStructure: DefaultAccelerationStructureBudget,
	}
}

func (b Budgets) withDefaults() Budgets {
	d := DefaultBudgets()
	if b.Texture == 0 {
		b.Texture = d.Texture
	}
	if b.Environment == 0 {
		b.Environment = d.Environment
	}
	if b.Geometry == 0 {
		b.Geometry = d.Geometry
	}
	if b.AccelerationStructure == 0 {
		b.AccelerationStructure = d.AccelerationStructure
	}
	return b
}

// Breakdown is the per-category byte total.
type Breakdown struct {
	Texture               uint64
	Environment           uint64
	Geometry              uint64
	AccelerationStructure uint64
}

// Total returns the sum of all categories.
func (b Breakdown) Total() uint64 {
	return b.Texture + b.Environment + b.Geometry + b.AccelerationStructure
}

// Asset is a key with its byte size, as returned by the ranking queries.
type Asset struct {
	Key   string
	Bytes uint64
}

type textureEntry struct {
	bytes uint64
	refs  int
	kind  TextureKind
}

type meshEntry struct {
	vertexBytes uint64
	indexBytes  uint64
	refs        int
}

func (m meshEntry) bytes() uint64 { return m.vertexBytes + m.indexBytes }

// category indexes the exceeded flags.
type category int

const (
	catTexture category = iota
	catEnvironment
	catGeometry
	catAccelerationStructure
	numCategories
)

var warnFormats = [numCategories]string{
	"Texture budget exceeded: tex≈%.0f MB > budget≈%.0f MB",
	"Environment budget exceeded: env≈%.0f MB > budget≈%.0f MB",
	"Geometry budget exceeded: geom≈%.0f MB > budget≈%.0f MB",
	"RT structure budget exceeded: rt≈%.0f MB > budget≈%.0f MB",
}

// Registry is the asset memory table.
//
// Registry is safe for concurrent use. A single mutex guards the tables
// and budget flags.
type Registry struct {
	mu sync.Mutex

	budgets  Budgets
	textures map[string]*textureEntry
	meshes   map[string]*meshEntry
	asBytes  uint64

	exceeded [numCategories]bool
}

// New creates an empty registry. Zero budget fields take defaults.
func New(b Budgets) *Registry {
	return &Registry{
		budgets:  b.withDefaults(),
		textures: make(map[string]*textureEntry),
		meshes:   make(map[string]*meshEntry),
	}
}

func slogger() *slog.Logger { return logging.Component("registry") }

// Budgets returns the active budgets.
func (r *Registry) Budgets() Budgets {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.budgets
}

// SetBudgets replaces the budgets and re-evaluates the exceeded flags.
func (r *Registry) SetBudgets(b Budgets) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budgets = b.withDefaults()
	r.updateFlagsLocked()
}

// RegisterTexture records bytes of GPU memory for key. Registering an
// existing key bumps its reference count and replaces its size and kind.
// Empty keys and zero sizes are ignored.
func (r *Registry) RegisterTexture(key string, bytes uint64, kind TextureKind) {
	if key == "" || bytes == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.textures[key]
	if !ok {
		e = &textureEntry{}
		r.textures[key] = e
	}
	e.bytes = bytes
	e.kind = kind
	e.refs++
	r.updateFlagsLocked()
}

// UnregisterTexture drops one reference and erases the entry when no
// references remain.
func (r *Registry) UnregisterTexture(key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.textures[key]
	if !ok {
		return
	}
	if e.refs > 1 {
		e.refs--
	} else {
		delete(r.textures, key)
	}
	r.updateFlagsLocked()
}

// RegisterMesh records vertex and index bytes for key.
func (r *Registry) RegisterMesh(key string, vertexBytes, indexBytes uint64) {
	if key == "" || vertexBytes+indexBytes == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.meshes[key]
	if !ok {
		e = &meshEntry{}
		r.meshes[key] = e
	}
	e.vertexBytes = vertexBytes
	e.indexBytes = indexBytes
	e.refs++
	r.updateFlagsLocked()
}

// UnregisterMesh drops one reference and erases the entry at zero.
func (r *Registry) UnregisterMesh(key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.meshes[key]
	if !ok {
		return
	}
	if e.refs > 1 {
		e.refs--
	} else {
		delete(r.meshes, key)
	}
	r.updateFlagsLocked()
}

// SetAccelerationStructureBytes replaces the acceleration-structure total.
func (r *Registry) SetAccelerationStructureBytes(total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asBytes = total
	r.updateFlagsLocked()
}

// ResetRefCounts zeroes every reference count ahead of a scene walk.
func (r *Registry) ResetRefCounts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.textures {
		e.refs = 0
	}
	for _, e := range r.meshes {
		e.refs = 0
	}
}

// AddTextureRef bumps the reference count of a registered texture.
func (r *Registry) AddTextureRef(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.textures[key]; ok {
		e.refs++
	}
}

// AddMeshRef bumps the reference count of a registered mesh.
func (r *Registry) AddMeshRef(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.meshes[key]; ok {
		e.refs++
	}
}

// MemoryBreakdown returns the current totals. Entries with a zero
// reference count still occupy memory and are included.
func (r *Registry) MemoryBreakdown() Breakdown {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakdownLocked()
}

func (r *Registry) breakdownLocked() Breakdown {
	var b Breakdown
	for _, e := range r.textures {
		if e.kind == TextureEnvironment {
			b.Environment += e.bytes
		} else {
			b.Texture += e.bytes
		}
	}
	for _, e := range r.meshes {
		b.Geometry += e.bytes()
	}
	b.AccelerationStructure = r.asBytes
	return b
}

// updateFlagsLocked recomputes the exceeded flags and warns on every
// false to true transition.
func (r *Registry) updateFlagsLocked() {
	b := r.breakdownLocked()
	used := [numCategories]uint64{b.Texture, b.Environment, b.Geometry, b.AccelerationStructure}
	budget := [numCategories]datasize.ByteSize{
		r.budgets.Texture, r.budgets.Environment, r.budgets.Geometry, r.budgets.AccelerationStructure,
	}
	for c := range numCategories {
		over := used[c] > budget[c].Bytes()
		if over && !r.exceeded[c] {
			slogger().Warn(fmt.Sprintf(warnFormats[c], toMiB(used[c]), budget[c].MBytes()))
		}
		r.exceeded[c] = over
	}
}

func toMiB(b uint64) float64 { return float64(b) / float64(datasize.MB) }

// HeaviestTextures returns up to n referenced textures, largest first.
func (r *Registry) HeaviestTextures(n int) []Asset {
	r.mu.Lock()
	out := make([]Asset, 0, len(r.textures))
	for k, e := range r.textures {
		if e.refs > 0 {
			out = append(out, Asset{k, e.bytes})
		}
	}
	r.mu.Unlock()
	return heaviest(out, n)
}

// HeaviestMeshes returns up to n referenced meshes, largest first.
func (r *Registry) HeaviestMeshes(n int) []Asset {
	r.mu.Lock()
	out := make([]Asset, 0, len(r.meshes))
	for k, e := range r.meshes {
		if e.refs > 0 {
			out = append(out, Asset{k, e.bytes()})
		}
	}
	r.mu.Unlock()
	return heaviest(out, n)
}

func heaviest(a []Asset, n int) []Asset {
	sortAssets(a)
	if n >= 0 && len(a) > n {
		a = a[:n]
	}
	return a
}

// sortAssets orders by size descending, then key, so results are stable.
func sortAssets(a []Asset) {
	slices.SortFunc(a, func(x, y Asset) int {
		if c := cmp.Compare(y.Bytes, x.Bytes); c != 0 {
			return c
		}
		return cmp.Compare(x.Key, y.Key)
	})
}

// UnusedTextures lists textures with no references, excluding environment
// maps.
func (r *Registry) UnusedTextures() []Asset {
	r.mu.Lock()
	var out []Asset
	for k, e := range r.textures {
		if e.refs == 0 && e.kind != TextureEnvironment {
			out = append(out, Asset{k, e.bytes})
		}
	}
	r.mu.Unlock()
	sortAssets(out)
	return out
}

// UnusedMeshes lists meshes with no references.
func (r *Registry) UnusedMeshes() []Asset {
	r.mu.Lock()
	var out []Asset
	for k, e := range r.meshes {
		if e.refs == 0 {
			out = append(out, Asset{k, e.bytes()})
		}
	}
	r.mu.Unlock()
	sortAssets(out)
	return out
}

// IsTextureBudgetExceeded reports the generic texture flag.
func (r *Registry) IsTextureBudgetExceeded() bool { return r.flag(catTexture) }

// IsEnvironmentBudgetExceeded reports the environment map flag.
func (r *Registry) IsEnvironmentBudgetExceeded() bool { return r.flag(catEnvironment) }

// IsGeometryBudgetExceeded reports the mesh flag.
func (r *Registry) IsGeometryBudgetExceeded() bool { return r.flag(catGeometry) }

// IsAccelerationStructureBudgetExceeded reports the ray-tracing structure flag.
func (r *Registry) IsAccelerationStructureBudgetExceeded() bool {
	return r.flag(catAccelerationStructure)
}

// AnyBudgetExceeded reports whether any category is over budget.
func (r *Registry) AnyBudgetExceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.exceeded {
		if x {
			return true
		}
	}
	return false
}

func (r *Registry) flag(c category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exceeded[c]
}

// Stats is a snapshot of registry usage.
type Stats struct {
	Breakdown
	Budgets  Budgets
	Textures int
	Meshes   int
}

// Stats returns a snapshot.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Breakdown: r.breakdownLocked(),
		Budgets:   r.budgets,
		Textures:  len(r.textures),
		Meshes:    len(r.meshes),
	}
}

var printer = message.NewPrinter(language.English)

// String returns a human-readable summary.
func (s Stats) String() string {
	return printer.Sprintf("Registry[tex %.0f/%.0f MB, env %.0f/%.0f MB, geom %.0f/%.0f MB, rt %.0f/%.0f MB, %d textures, %d meshes]",
		toMiB(s.Texture), s.Budgets.Texture.MBytes(),
		toMiB(s.Environment), s.Budgets.Environment.MBytes(),
		toMiB(s.Geometry), s.Budgets.Geometry.MBytes(),
		toMiB(s.AccelerationStructure), s.Budgets.AccelerationStructure.MBytes(),
		s.Textures, s.Meshes)
}
