// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"path/filepath"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex"
	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/xmath"
)

// gridScene lays out n*n cubes on the XZ plane under a shadow-casting sun.
func gridScene(n int) *cortex.Scene {
	cube := cortex.Cube("demo/cube")
	materials := []*cortex.Material{
		{Name: "red", Albedo: f32.Vec4{0.8, 0.2, 0.2, 1}, Roughness: 0.5},
		{Name: "green", Albedo: f32.Vec4{0.2, 0.8, 0.3, 1}, Roughness: 0.3, Metallic: 0.2},
		{Name: "steel", Albedo: f32.Vec4{0.6, 0.6, 0.65, 1}, Roughness: 0.2, Metallic: 1},
	}
	const spacing = 2
	half := float32(n-1) * spacing / 2
	sc := &cortex.Scene{Exposure: 1}
	for z := range n {
		for x := range n {
			i := z*n + x
			sc.Instances = append(sc.Instances, cortex.Renderable{
				ID:        uint32(i + 1), //nolint:gosec // G115: grid size is a small flag value
				Transform: xmath.Translation(f32.Vec3{float32(x)*spacing - half, 0, float32(z)*spacing - half}),
				Mesh:      cube,
				Material:  materials[i%len(materials)],
				Flags:     cortex.FlagOpaque,
			})
		}
	}
	ground := cortex.Cube("demo/ground")
	sc.Instances = append(sc.Instances, cortex.Renderable{
		ID:        uint32(n*n + 1), //nolint:gosec // G115: grid size is a small flag value
		Transform: xmath.TRS(f32.Vec3{0, -0.6, 0}, f32.Vec4{0, 0, 0, 1}, f32.Vec3{half*2 + 4, 0.2, half*2 + 4}),
		Mesh:      ground,
		Material:  &cortex.Material{Name: "ground", Albedo: f32.Vec4{0.5, 0.5, 0.5, 1}, Roughness: 0.9},
		Flags:     cortex.FlagOpaque,
	})
	frameCamera(sc)
	addSun(sc)
	return sc
}

func addSun(sc *cortex.Scene) {
	sc.Sun = cortex.Light{
		Kind:         cortex.LightDirectional,
		Direction:    xmath.Normalize(f32.Vec3{-0.4, -1, 0.3}),
		Color:        f32.Vec3{1, 0.96, 0.9},
		Intensity:    3,
		CastsShadows: true,
	}
}

// frameCamera points the default camera at the bounds of every instance.
func frameCamera(sc *cortex.Scene) {
	sc.Camera = cortex.DefaultCamera()
	if len(sc.Instances) == 0 {
		return
	}
	lo := f32.Vec3{}
	hi := f32.Vec3{}
	for i := range sc.Instances {
		b := sc.Instances[i].WorldBounds()
		for k := range 3 {
			a, c := b.Center[k]-b.Radius, b.Center[k]+b.Radius
			if i == 0 || a < lo[k] {
				lo[k] = a
			}
			if i == 0 || c > hi[k] {
				hi[k] = c
			}
		}
	}
	center := xmath.Scale(0.5, xmath.Add(lo, hi))
	radius := max(xmath.Length(xmath.Sub(hi, center)), 0.5)
	sc.Camera.Target = center
	sc.Camera.Position = xmath.Add(center, f32.Vec3{0, radius * 0.8, -radius * 2})
	sc.Camera.Far = max(sc.Camera.Far, radius*8)
}

// loadGLTF reads a .gltf or .glb file into a scene.
func loadGLTF(path string) (*cortex.Scene, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gltf open %q: %w", path, err)
	}
	sc := &cortex.Scene{Exposure: 1}
	sc.Instances = gltfInstances(doc, filepath.Base(path))
	if len(sc.Instances) == 0 {
		return nil, fmt.Errorf("gltf %q: no triangle geometry", path)
	}
	frameCamera(sc)
	addSun(sc)
	return sc, nil
}

// gltfInstances flattens the default scene's node hierarchy into
// renderables, one per mesh primitive. Primitives that fail to load are
// logged and skipped.
func gltfInstances(doc *gltf.Document, key string) []cortex.Renderable {
	log := logging.Component("demo")

	materials := make([]*cortex.Material, len(doc.Materials))
	for i, gm := range doc.Materials {
		m := &cortex.Material{Name: gm.Name, Albedo: f32.Vec4{1, 1, 1, 1}, Roughness: 1, Metallic: 1}
		if pbr := gm.PBRMetallicRoughness; pbr != nil {
			cf := pbr.BaseColorFactorOrDefault()
			m.Albedo = f32.Vec4{float32(cf[0]), float32(cf[1]), float32(cf[2]), float32(cf[3])}
			m.Roughness = float32(pbr.RoughnessFactorOrDefault())
			m.Metallic = float32(pbr.MetallicFactorOrDefault())
		}
		materials[i] = m
	}

	type part struct {
		mesh     *cortex.MeshData
		material *cortex.Material
	}
	meshes := make([][]part, len(doc.Meshes))
	for mi, gm := range doc.Meshes {
		for pi, prim := range gm.Primitives {
			name := fmt.Sprintf("%s/%d_%s_p%d", key, mi, gm.Name, pi)
			m, err := gltfPrimitive(doc, name, *prim)
			if err != nil {
				log.Warn("skipped glTF primitive", "mesh", mi, "primitive", pi, "err", err)
				continue
			}
			p := part{mesh: m}
			if prim.Material != nil && *prim.Material < len(materials) {
				p.material = materials[*prim.Material]
			}
			meshes[mi] = append(meshes[mi], p)
		}
	}

	var out []cortex.Renderable
	visited := make([]bool, len(doc.Nodes))
	var walk func(idx int, parent f32.Mat4)
	walk = func(idx int, parent f32.Mat4) {
		if idx < 0 || idx >= len(doc.Nodes) || visited[idx] {
			return
		}
		visited[idx] = true
		gn := doc.Nodes[idx]
		world := xmath.Mul(parent, nodeTransform(gn))
		if gn.Mesh != nil && *gn.Mesh < len(meshes) {
			for _, p := range meshes[*gn.Mesh] {
				out = append(out, cortex.Renderable{
					ID:        uint32(len(out) + 1), //nolint:gosec // G115: instance count fits uint32
					Transform: world,
					Mesh:      p.mesh,
					Material:  p.material,
					Flags:     materialFlags(p.material),
				})
			}
		}
		for _, c := range gn.Children {
			walk(c, world)
		}
	}
	for _, root := range gltfRoots(doc) {
		walk(root, xmath.Identity())
	}
	return out
}

// gltfRoots returns the default scene's root nodes, or every parentless
// node when the file names no scene.
func gltfRoots(doc *gltf.Document) []int {
	if doc.Scene != nil && *doc.Scene < len(doc.Scenes) {
		return doc.Scenes[*doc.Scene].Nodes
	}
	hasParent := make([]bool, len(doc.Nodes))
	for _, gn := range doc.Nodes {
		for _, c := range gn.Children {
			if c >= 0 && c < len(hasParent) {
				hasParent[c] = true
			}
		}
	}
	var roots []int
	for i, p := range hasParent {
		if !p {
			roots = append(roots, i)
		}
	}
	return roots
}

func nodeTransform(gn *gltf.Node) f32.Mat4 {
	t := gn.TranslationOrDefault()
	r := gn.RotationOrDefault() // x, y, z, w
	s := gn.ScaleOrDefault()
	return xmath.TRS(
		f32.Vec3{float32(t[0]), float32(t[1]), float32(t[2])},
		f32.Vec4{float32(r[0]), float32(r[1]), float32(r[2]), float32(r[3])},
		f32.Vec3{float32(s[0]), float32(s[1]), float32(s[2])},
	)
}

func materialFlags(m *cortex.Material) cortex.Flags {
	if m != nil && m.Albedo[3] < 1 {
		return cortex.FlagBlended
	}
	return cortex.FlagOpaque
}

// gltfPrimitive converts one triangle-list primitive. Missing normals
// default to +Y; missing indices draw the vertices in order.
func gltfPrimitive(doc *gltf.Document, key string, prim gltf.Primitive) (*cortex.MeshData, error) {
	if prim.Mode != gltf.PrimitiveTriangles {
		return nil, fmt.Errorf("unsupported primitive mode %v", prim.Mode)
	}
	posIdx, ok := prim.Attributes["POSITION"]
	if !ok {
		return nil, fmt.Errorf("no POSITION attribute")
	}
	positions, err := modeler.ReadPosition(doc, doc.Accessors[posIdx], nil)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	var normals [][3]float32
	if idx, ok := prim.Attributes["NORMAL"]; ok {
		if normals, err = modeler.ReadNormal(doc, doc.Accessors[idx], nil); err != nil {
			return nil, fmt.Errorf("normals: %w", err)
		}
	}
	var uvs [][2]float32
	if idx, ok := prim.Attributes["TEXCOORD_0"]; ok {
		if uvs, err = modeler.ReadTextureCoord(doc, doc.Accessors[idx], nil); err != nil {
			return nil, fmt.Errorf("texcoords: %w", err)
		}
	}

	m := &cortex.MeshData{Key: key, Vertices: make([]cortex.Vertex, len(positions))}
	for i, p := range positions {
		v := cortex.Vertex{Position: p, Normal: f32.Vec3{0, 1, 0}}
		if i < len(normals) {
			v.Normal = normals[i]
		}
		if i < len(uvs) {
			v.UV = uvs[i]
		}
		m.Vertices[i] = v
	}
	if prim.Indices != nil {
		if m.Indices, err = modeler.ReadIndices(doc, doc.Accessors[*prim.Indices], nil); err != nil {
			return nil, fmt.Errorf("indices: %w", err)
		}
	} else {
		m.Indices = make([]uint32, len(positions))
		for i := range m.Indices {
			m.Indices[i] = uint32(i) //nolint:gosec // G115: glTF accessor counts fit uint32
		}
	}
	if len(m.Indices)%3 != 0 || len(m.Indices) == 0 {
		return nil, fmt.Errorf("%d indices is not a triangle list", len(m.Indices))
	}
	for _, ix := range m.Indices {
		if int(ix) >= len(m.Vertices) {
			return nil, fmt.Errorf("index %d out of range (%d vertices)", ix, len(m.Vertices))
		}
	}
	m.ComputeBounds()
	return m, nil
}
