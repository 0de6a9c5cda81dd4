// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/xmath"
)

// Light and shadow limits.
const (
	MaxForwardLights      = 16
	MaxShadowedSpotLights = 3
	// SpotShadowFirstSlice is the atlas layer of the first shadowed spot
	// light; layers below it hold the sun cascades.
	SpotShadowFirstSlice = config.Cascades
	ShadowAtlasLayers    = config.Cascades + MaxShadowedSpotLights
)

// Post-process toggle bits. The values match the TOGGLE_* constants in
// fullscreen.wgsl.
const (
	ToggleBloom         uint32 = 1
	ToggleSSAO          uint32 = 2
	ToggleSSR           uint32 = 4
	ToggleRTReflections uint32 = 8
	ToggleFog           uint32 = 16
)

// Uniform block sizes in bytes.
const (
	FrameBlockSize    = 3*64 + 5*16
	InstanceBlockSize = 64 + 2*16
	PostBlockSize     = 2*64 + 4*16
	ShadowBlockSize   = 64
)

const (
	jitterPhases = 8
	// jitterAmplitude is in pixels; half a pixel either side of center.
	jitterAmplitude = 0.5
	// stillJitterAmplitude applies once the camera has not moved for
	// stillFrames frames.
	stillJitterAmplitude = 0.125
	stillFrames          = 8

	// A camera cut (teleport or fast turn) invalidates temporal history.
	cutDistance = 2.0
	cutCos      = 0.8660254 // 30 degrees

	cascadePadding = 1.1

	defaultFovY = 1.0471976
	defaultNear = 0.1
	defaultFar  = 500
)

var defaultSunDir = xmath.Normalize(f32.Vec3{0.3, -1, 0.2})

// GPULight is a light as the forward shaders see it.
type GPULight struct {
	Kind      scene.LightKind
	Position  f32.Vec3
	Direction f32.Vec3
	Color     f32.Vec3
	Intensity float32
	Range     float32
	InnerCos  float32
	OuterCos  float32
	// ShadowSlice is the atlas layer, or -1 for unshadowed lights.
	ShadowSlice int32
}

// Constants is the per-frame camera, shadow and light state every pass
// reads.
type Constants struct {
	Width, Height uint32

	View               f32.Mat4
	Proj               f32.Mat4 // jittered
	ViewProj           f32.Mat4 // jittered
	ProjUnjittered     f32.Mat4
	ViewProjUnjittered f32.Mat4
	InvViewProj        f32.Mat4 // of the unjittered matrix
	// PrevViewProj is last frame's unjittered view-projection.
	PrevViewProj f32.Mat4
	Frustum      xmath.Frustum

	CameraPos f32.Vec3
	Near, Far float32

	// Jitter and PrevJitter are NDC offsets.
	Jitter, PrevJitter f32.Vec2
	// HistoryValid is false on the first frame and after a camera cut.
	HistoryValid bool
	Still        bool

	SunDir   f32.Vec3
	SunColor f32.Vec3

	// CascadeSplits are the view-space far distances of each cascade.
	CascadeSplits   [config.Cascades]float32
	CascadeViewProj [config.Cascades]f32.Mat4
	CascadeRes      [config.Cascades]uint32

	SpotShadowViewProj [MaxShadowedSpotLights]f32.Mat4
	ShadowedSpots      int

	Lights []GPULight
	// DroppedLights counts scene lights beyond MaxForwardLights.
	DroppedLights int

	Fog        scene.Fog
	FogEnabled bool
	Exposure   float32
	// PostToggles is the requested post mask; the post pass narrows it to
	// the passes that actually ran.
	PostToggles uint32
}

// cameraState carries what constants need from the previous frame.
type cameraState struct {
	frames     uint64
	still      int
	pos, fwd   f32.Vec3
	prevVP     f32.Mat4
	prevJitter f32.Vec2
}

// reset forgets history, forcing the next frame to start fresh.
func (s *cameraState) reset() { *s = cameraState{} }

func cameraDefaults(c scene.Camera) scene.Camera {
	if c.FovY <= 0 {
		c.FovY = defaultFovY
	}
	if c.Near <= 0 {
		c.Near = defaultNear
	}
	if c.Far <= c.Near {
		c.Far = max(defaultFar, c.Near*2)
	}
	if xmath.Length(c.Up) == 0 {
		c.Up = f32.Vec3{0, 1, 0}
	}
	if c.Target == c.Position {
		c.Target = xmath.Add(c.Position, f32.Vec3{0, 0, 1})
	}
	return c
}

// compute builds the constants for frame and advances the camera history.
func (s *cameraState) compute(sc *scene.Scene, q *config.Quality, width, height uint32, frame uint64) Constants {
	cam := cameraDefaults(sc.Camera)
	c := Constants{
		Width:     width,
		Height:    height,
		CameraPos: cam.Position,
		Near:      cam.Near,
		Far:       cam.Far,
		Exposure:  sc.Exposure,
	}
	if c.Exposure <= 0 {
		c.Exposure = 1
	}

	fwd := cam.Forward()
	first := s.frames == 0
	dist := xmath.Length(xmath.Sub(cam.Position, s.pos))
	cosTurn := xmath.Dot(fwd, s.fwd)
	c.HistoryValid = !first && dist <= cutDistance && cosTurn >= cutCos
	if !first && dist < 1e-4 && cosTurn > 0.99999 {
		s.still++
	} else {
		s.still = 0
	}
	c.Still = s.still >= stillFrames

	aspect := float32(width) / float32(max(height, 1))
	c.View = xmath.LookAtLH(cam.Position, cam.Target, cam.Up)
	c.ProjUnjittered = xmath.PerspectiveLH(cam.FovY, aspect, cam.Near, cam.Far)
	c.ViewProjUnjittered = xmath.Mul(c.ProjUnjittered, c.View)
	c.InvViewProj, _ = xmath.Invert(c.ViewProjUnjittered)
	c.Frustum = xmath.FrustumFromMatrix(c.ViewProjUnjittered)

	if q.TAA && !q.TAANoJitter {
		amp := float32(jitterAmplitude)
		if c.Still {
			amp = stillJitterAmplitude
		}
		idx := int(frame%jitterPhases) + 1
		px := (xmath.Halton(idx, 2)*2 - 1) * amp
		py := (xmath.Halton(idx, 3)*2 - 1) * amp
		c.Jitter = f32.Vec2{px * 2 / float32(max(width, 1)), py * 2 / float32(max(height, 1))}
	}
	c.Proj = c.ProjUnjittered
	c.Proj[2] += c.Jitter[0]
	c.Proj[6] += c.Jitter[1]
	c.ViewProj = xmath.Mul(c.Proj, c.View)

	if first {
		c.PrevViewProj = c.ViewProjUnjittered
		c.PrevJitter = c.Jitter
	} else {
		c.PrevViewProj = s.prevVP
		c.PrevJitter = s.prevJitter
	}

	c.SunDir = xmath.Normalize(sc.Sun.Direction)
	if xmath.Length(sc.Sun.Direction) == 0 {
		c.SunDir = defaultSunDir
	}
	c.SunColor = xmath.Scale(max(sc.Sun.Intensity, 0), sc.Sun.Color)

	c.computeCascades(q)
	c.gatherLights(sc)

	c.Fog = sc.Fog
	c.FogEnabled = q.Fog && sc.Fog.Density > 0
	c.PostToggles = requestedToggles(q, c.FogEnabled)

	s.frames++
	s.pos = cam.Position
	s.fwd = fwd
	s.prevVP = c.ViewProjUnjittered
	s.prevJitter = c.Jitter
	return c
}

func requestedToggles(q *config.Quality, fog bool) uint32 {
	var m uint32
	if q.Bloom {
		m |= ToggleBloom
	}
	if q.SSAO {
		m |= ToggleSSAO
	}
	if q.SSR {
		m |= ToggleSSR
	}
	if q.RayTracing && q.RTReflections {
		m |= ToggleRTReflections
	}
	if fog {
		m |= ToggleFog
	}
	return m
}

// ndcDepth maps a positive view distance to PerspectiveLH's [0, 1] depth.
func ndcDepth(d, near, far float32) float32 {
	return far / (far - near) * (1 - near/d)
}

// computeCascades fits one orthographic projection per cascade around a
// bounding sphere of the cascade's slice of the view frustum, snapped to
// the cascade's texel grid so shadows do not shimmer as the camera moves.
func (c *Constants) computeCascades(q *config.Quality) {
	n := c.Near
	f := c.Far
	if q.MaxShadowDistance > 0 {
		f = min(f, q.MaxShadowDistance)
	}
	lambda := min(max(q.CascadeLambda, 0), 1)
	for i := range config.Cascades {
		t := float32(i+1) / config.Cascades
		uniform := n + (f-n)*t
		logSplit := n * math32.Pow(f/n, t)
		c.CascadeSplits[i] = lambda*logSplit + (1-lambda)*uniform
	}

	up := f32.Vec3{0, 1, 0}
	if math32.Abs(xmath.Dot(up, c.SunDir)) > 0.99 {
		up = f32.Vec3{0, 0, 1}
	}
	sliceNear := n
	for i := range config.Cascades {
		sliceFar := c.CascadeSplits[i]
		corners := xmath.FrustumCorners(c.InvViewProj,
			ndcDepth(sliceNear, c.Near, c.Far), ndcDepth(sliceFar, c.Near, c.Far))
		var center f32.Vec3
		for _, p := range corners {
			center = xmath.Add(center, p)
		}
		center = xmath.Scale(1.0/8, center)
		var radius float32
		for _, p := range corners {
			radius = max(radius, xmath.Length(xmath.Sub(p, center)))
		}
		radius = math32.Ceil(radius*cascadePadding*16) / 16

		res := uint32(max(float32(q.ShadowMapSize)*q.CascadeResolutionScale[i], 1))
		c.CascadeRes[i] = res

		eye := xmath.Sub(center, xmath.Scale(2*radius, c.SunDir))
		view := xmath.LookAtLH(eye, center, up)
		proj := xmath.OrthoLH(-radius, radius, -radius, radius, 0, 4*radius)
		vp := xmath.Mul(proj, view)

		// Snap the world origin to a texel center.
		half := float32(res) / 2
		o := xmath.TransformPoint(vp, f32.Vec3{})
		dx := (math32.Round(o[0]*half) - o[0]*half) / half
		dy := (math32.Round(o[1]*half) - o[1]*half) / half
		proj[3] += dx
		proj[7] += dy
		c.CascadeViewProj[i] = xmath.Mul(proj, view)
		sliceNear = sliceFar
	}
}

// gatherLights packs the sun and the scene lights into the forward light
// list and assigns atlas layers to the first shadowed spot lights.
func (c *Constants) gatherLights(sc *scene.Scene) {
	c.Lights = make([]GPULight, 0, min(len(sc.Lights)+1, MaxForwardLights))
	c.Lights = append(c.Lights, GPULight{
		Kind:        scene.LightDirectional,
		Direction:   c.SunDir,
		Color:       sc.Sun.Color,
		Intensity:   sc.Sun.Intensity,
		ShadowSlice: -1,
	})
	if sc.Sun.CastsShadows {
		c.Lights[0].ShadowSlice = 0
	}
	for i := range sc.Lights {
		l := &sc.Lights[i]
		if len(c.Lights) == MaxForwardLights {
			c.DroppedLights = len(sc.Lights) - i
			break
		}
		g := GPULight{
			Kind:        l.Kind,
			Position:    l.Position,
			Direction:   xmath.Normalize(l.Direction),
			Color:       l.Color,
			Intensity:   l.Intensity,
			Range:       l.Range,
			InnerCos:    math32.Cos(l.InnerCone),
			OuterCos:    math32.Cos(l.OuterCone),
			ShadowSlice: -1,
		}
		if l.Kind == scene.LightSpot && l.CastsShadows && c.ShadowedSpots < MaxShadowedSpotLights && l.Range > 0 {
			up := f32.Vec3{0, 1, 0}
			if math32.Abs(xmath.Dot(up, g.Direction)) > 0.99 {
				up = f32.Vec3{0, 0, 1}
			}
			view := xmath.LookAtLH(l.Position, xmath.Add(l.Position, g.Direction), up)
			proj := xmath.PerspectiveLH(2*max(l.OuterCone, 0.01), 1, 0.1, l.Range)
			c.SpotShadowViewProj[c.ShadowedSpots] = xmath.Mul(proj, view)
			g.ShadowSlice = int32(SpotShadowFirstSlice + c.ShadowedSpots) //nolint:gosec // G115: at most ShadowAtlasLayers
			c.ShadowedSpots++
		}
		c.Lights = append(c.Lights, g)
	}
}

// putMat writes m column by column, the layout WGSL expects for mat4x4.
func putMat(buf []byte, m f32.Mat4) {
	for col := range 4 {
		for row := range 4 {
			putF32(buf[(col*4+row)*4:], m[row*4+col])
		}
	}
}

func putU32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }

func putF32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func putVec4(buf []byte, x, y, z, w float32) {
	putF32(buf[0:], x)
	putF32(buf[4:], y)
	putF32(buf[8:], z)
	putF32(buf[12:], w)
}

func boolF32(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

// FrameBlock encodes the Frame uniform of mesh.wgsl.
func (c *Constants) FrameBlock() []byte {
	buf := make([]byte, FrameBlockSize)
	putMat(buf[0:], c.ViewProj)
	putMat(buf[64:], c.ViewProjUnjittered)
	putMat(buf[128:], c.PrevViewProj)
	putVec4(buf[192:], c.CameraPos[0], c.CameraPos[1], c.CameraPos[2], 1)
	putVec4(buf[208:], c.SunDir[0], c.SunDir[1], c.SunDir[2], 0)
	putVec4(buf[224:], c.SunColor[0], c.SunColor[1], c.SunColor[2], float32(len(c.Lights)))
	putVec4(buf[240:], c.Fog.Density, c.Fog.Height, c.Fog.Falloff, boolF32(c.FogEnabled))
	putVec4(buf[256:], c.Exposure, bloomStrength, 1, 1)
	return buf
}

const bloomStrength = 0.04

// InstanceBlock encodes the per-draw Instance uniform of mesh.wgsl.
func InstanceBlock(r *scene.Renderable) []byte {
	buf := make([]byte, InstanceBlockSize)
	putMat(buf[0:], r.Transform)
	albedo := f32.Vec4{0.8, 0.8, 0.8, 1}
	var rough, metal float32 = 0.5, 0
	if m := r.Material; m != nil {
		albedo, rough, metal = m.Albedo, m.Roughness, m.Metallic
	}
	putVec4(buf[64:], albedo[0], albedo[1], albedo[2], albedo[3])
	putVec4(buf[80:], rough, metal, float32(r.ID), 0)
	return buf
}

// ShadowBlock encodes a light view-projection for the shadow vertex stage.
func ShadowBlock(vp f32.Mat4) []byte {
	buf := make([]byte, ShadowBlockSize)
	putMat(buf, vp)
	return buf
}

// PostBlock encodes the Post uniform of fullscreen.wgsl. mask is the set
// of toggles whose inputs were produced this frame.
func (c *Constants) PostBlock(mask uint32, sky [4]float32) []byte {
	buf := make([]byte, PostBlockSize)
	putMat(buf[0:], c.InvViewProj)
	putMat(buf[64:], c.PrevViewProj)
	putVec4(buf[128:], c.Jitter[0], c.Jitter[1], c.PrevJitter[0], c.PrevJitter[1])
	putVec4(buf[144:], c.Exposure, bloomStrength, 1, 1)
	binary.LittleEndian.PutUint32(buf[160:], mask)
	putVec4(buf[176:], sky[0], sky[1], sky[2], sky[3])
	return buf
}
