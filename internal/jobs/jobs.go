// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package jobs amortizes mesh uploads and bottom-level acceleration
// structure builds across frames.
//
// Jobs are queued in FIFO order and drained once per frame under a fixed
// budget so a cold scene does not stall the first frame on every upload
// and build at once. The queue is used from the render thread only.
package jobs

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/registry"
	"github.com/gogpu/cortex/internal/retire"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
)

// Per-frame budgets.
const (
	MaxMeshPerFrame = 2
	MaxBLASPerFrame = 4
)

// ErrUploadMap is returned when staging memory cannot be written. The
// renderer treats it as a device-removed candidate.
var ErrUploadMap = errors.New("jobs: upload buffer map failed")

// BLASBuilder is the acceleration-structure collaborator as seen by the
// job queue.
type BLASBuilder interface {
	// BuildSingleBottomLevel records the build of one mesh's BLAS into cmd
	// and returns the scratch buffer it used, if any.
	BuildSingleBottomLevel(cmd rhi.CommandList, meshKey string) (scratch rhi.Resource, err error)
	// PendingBuildCount reports builds the collaborator still owes.
	PendingBuildCount() int
}

type kind uint8

const (
	kindMesh kind = iota
	kindBuild
)

type job struct {
	kind  kind
	mesh  *scene.Mesh
	key   string
	label string
}

// Config sets the per-frame budgets. Zero fields take defaults.
type Config struct {
	MaxMeshPerFrame int `toml:"max_mesh_per_frame"`
	MaxBLASPerFrame int `toml:"max_blas_per_frame"`
}

// Result summarizes one Drain.
type Result struct {
	MeshUploads int
	Builds      int
	// Deferred counts build jobs skipped because their mesh upload is
	// still queued.
	Deferred int
	// Failed lists the mesh keys whose build failed. Their jobs are
	// dropped; the caller re-enqueues them to retry.
	Failed []string
}

// Queue is the GPU job queue.
type Queue struct {
	dev      rhi.Device
	pool     *UploadPool
	registry *registry.Registry
	retire   *retire.List
	blas     BLASBuilder
	cfg      Config

	jobs         []job
	pendingMesh  int
	pendingBuild int

	// queuedMeshes guards against enqueueing one mesh twice; uploadKeys
	// holds keys whose upload job has not run yet.
	queuedMeshes map[*scene.Mesh]struct{}
	uploadKeys   map[string]int

	// warned holds the keys of warnings already logged. Jobs that keep
	// failing come back every frame.
	warned map[string]struct{}
}

// New creates a job queue. blas may be nil when ray tracing is
// unavailable; build jobs are then discarded at drain time.
func New(dev rhi.Device, pool *UploadPool, reg *registry.Registry, rl *retire.List, blas BLASBuilder, cfg Config) *Queue {
	if cfg.MaxMeshPerFrame <= 0 {
		cfg.MaxMeshPerFrame = MaxMeshPerFrame
	}
	if cfg.MaxBLASPerFrame <= 0 {
		cfg.MaxBLASPerFrame = MaxBLASPerFrame
	}
	return &Queue{
		dev:          dev,
		pool:         pool,
		registry:     reg,
		retire:       rl,
		blas:         blas,
		cfg:          cfg,
		queuedMeshes: make(map[*scene.Mesh]struct{}),
		uploadKeys:   make(map[string]int),
		warned:       make(map[string]struct{}),
	}
}

func slogger() *slog.Logger { return logging.Component("jobs") }

func (q *Queue) warnOnce(key, msg string, args ...any) {
	if _, ok := q.warned[key]; ok {
		return
	}
	q.warned[key] = struct{}{}
	slogger().Warn(msg, args...)
}

// Pool returns the upload pool.
func (q *Queue) Pool() *UploadPool { return q.pool }

// SetBLASBuilder replaces the acceleration-structure collaborator.
func (q *Queue) SetBLASBuilder(b BLASBuilder) { q.blas = b }

// EnqueueMeshUpload queues mesh for upload. A mesh already queued or
// resident is ignored.
func (q *Queue) EnqueueMeshUpload(mesh *scene.Mesh, label string) {
	if mesh == nil || mesh.Resident() {
		return
	}
	if _, ok := q.queuedMeshes[mesh]; ok {
		return
	}
	q.queuedMeshes[mesh] = struct{}{}
	q.uploadKeys[mesh.Key]++
	q.jobs = append(q.jobs, job{kind: kindMesh, mesh: mesh, key: mesh.Key, label: label})
	q.pendingMesh++
}

// EnqueueAccelerationBuild queues a BLAS build for meshKey.
func (q *Queue) EnqueueAccelerationBuild(meshKey, label string) {
	if meshKey == "" {
		return
	}
	q.jobs = append(q.jobs, job{kind: kindBuild, key: meshKey, label: label})
	q.pendingBuild++
}

// IsQueued reports whether mesh has a pending upload job.
func (q *Queue) IsQueued(mesh *scene.Mesh) bool {
	_, ok := q.queuedMeshes[mesh]
	return ok
}

// PendingMeshJobs returns the number of queued uploads.
func (q *Queue) PendingMeshJobs() int { return q.pendingMesh }

// PendingAccelerationJobs returns the number of queued builds.
func (q *Queue) PendingAccelerationJobs() int { return q.pendingBuild }

// IsAccelerationStructureWarmingUp reports whether builds remain queued
// here or inside the collaborator.
func (q *Queue) IsAccelerationStructureWarmingUp() bool {
	if q.pendingBuild > 0 {
		return true
	}
	return q.blas != nil && q.blas.PendingBuildCount() > 0
}

// Clear drops every queued job. Meshes referenced by dropped jobs are no
// longer reachable from the queue.
func (q *Queue) Clear() {
	clear(q.jobs)
	q.jobs = q.jobs[:0]
	q.pendingMesh = 0
	q.pendingBuild = 0
	clear(q.queuedMeshes)
	clear(q.uploadKeys)
}

// Drain runs up to the per-frame budget of jobs in FIFO order. Jobs over
// budget keep their position. Builds record into cmd, the frame's graphics
// list; uploads record into the upload pool.
//
// An upload failure stops the drain and is returned; the failed job is
// dropped.
func (q *Queue) Drain(frame uint64, cmd rhi.CommandList) (Result, error) {
	var res Result
	kept := q.jobs[:0]
	var firstErr error

	for i, j := range q.jobs {
		if firstErr != nil {
			kept = append(kept, q.jobs[i:]...)
			break
		}
		switch j.kind {
		case kindMesh:
			if res.MeshUploads >= q.cfg.MaxMeshPerFrame {
				kept = append(kept, j)
				continue
			}
			q.finishMeshJob(j)
			if err := q.upload(frame, j); err != nil {
				firstErr = err
				continue
			}
			res.MeshUploads++

		case kindBuild:
			if res.Builds >= q.cfg.MaxBLASPerFrame {
				kept = append(kept, j)
				continue
			}
			if q.uploadKeys[j.key] > 0 {
				res.Deferred++
				kept = append(kept, j)
				continue
			}
			q.pendingBuild--
			if err := q.build(frame, cmd, j); err != nil {
				q.warnOnce("build:"+j.key, "acceleration structure build failed", "mesh", j.key, "label", j.label, "err", err)
				res.Failed = append(res.Failed, j.key)
				continue
			}
			res.Builds++
		}
	}
	clear(q.jobs[len(kept):])
	q.jobs = kept

	if res.MeshUploads > 0 || res.Builds > 0 {
		slogger().Debug("gpu jobs drained",
			"frame", frame, "uploads", res.MeshUploads, "builds", res.Builds,
			"pending_mesh", q.pendingMesh, "pending_build", q.pendingBuild)
	}
	return res, firstErr
}

func (q *Queue) finishMeshJob(j job) {
	q.pendingMesh--
	delete(q.queuedMeshes, j.mesh)
	if q.uploadKeys[j.key]--; q.uploadKeys[j.key] <= 0 {
		delete(q.uploadKeys, j.key)
	}
}

// upload copies one mesh through an upload-heap staging buffer into
// default-heap vertex and index buffers.
func (q *Queue) upload(frame uint64, j job) error {
	m := j.mesh
	vb := m.VertexBytes()
	ib := m.IndexBytes()
	if len(vb) == 0 || len(ib) == 0 {
		q.warnOnce("empty:"+m.Key, "skipping empty mesh upload", "mesh", m.Key, "label", j.label)
		return nil
	}
	vsize, isize := uint64(len(vb)), uint64(len(ib))

	staging, err := q.dev.CreateResource(rhi.ResourceDesc{
		Label:     "upload_staging:" + j.label,
		Dimension: rhi.DimensionBuffer,
		Heap:      rhi.HeapUpload,
		Size:      vsize + isize,
	})
	if err != nil {
		return fmt.Errorf("jobs: staging buffer for %s: %w", j.label, err)
	}
	if err := q.dev.WriteBuffer(staging, 0, vb); err != nil {
		q.dev.DestroyResource(staging)
		return fmt.Errorf("%w: %s vertices: %w", ErrUploadMap, j.label, err)
	}
	if err := q.dev.WriteBuffer(staging, vsize, ib); err != nil {
		q.dev.DestroyResource(staging)
		return fmt.Errorf("%w: %s indices: %w", ErrUploadMap, j.label, err)
	}

	vbuf, err := q.dev.CreateResource(rhi.ResourceDesc{
		Label: j.label + ":vb", Dimension: rhi.DimensionBuffer, Size: vsize,
		Flags: rhi.FlagVertexBuffer | rhi.FlagShaderResource,
	})
	if err != nil {
		q.dev.DestroyResource(staging)
		return fmt.Errorf("jobs: vertex buffer for %s: %w", j.label, err)
	}
	ibuf, err := q.dev.CreateResource(rhi.ResourceDesc{
		Label: j.label + ":ib", Dimension: rhi.DimensionBuffer, Size: isize,
		Flags: rhi.FlagIndexBuffer | rhi.FlagShaderResource,
	})
	if err != nil {
		q.dev.DestroyResource(staging)
		q.dev.DestroyResource(vbuf)
		return fmt.Errorf("jobs: index buffer for %s: %w", j.label, err)
	}

	cl, slot, err := q.pool.Acquire()
	if err != nil {
		q.dev.DestroyResource(staging)
		q.dev.DestroyResource(vbuf)
		q.dev.DestroyResource(ibuf)
		return err
	}
	cl.SetMarker("Upload:" + j.label)
	cl.CopyBuffer(vbuf, 0, staging, 0, vsize)
	cl.CopyBuffer(ibuf, 0, staging, vsize, isize)
	v, err := q.pool.Submit(slot)
	if err != nil {
		q.dev.DestroyResource(staging)
		q.dev.DestroyResource(vbuf)
		q.dev.DestroyResource(ibuf)
		return fmt.Errorf("jobs: submit upload %s: %w", j.label, err)
	}

	q.retireOld(frame, m)
	m.GPU = scene.GPUMesh{VertexBuffer: vbuf, IndexBuffer: ibuf, UploadFence: v}
	if q.registry != nil {
		q.registry.RegisterMesh(m.Key, vsize, isize)
	}
	if q.retire != nil {
		q.retire.DestroyLater(frame, q.dev, staging)
	} else {
		q.dev.DestroyResource(staging)
	}
	return nil
}

// retireOld schedules release of buffers from a previous upload of m.
func (q *Queue) retireOld(frame uint64, m *scene.Mesh) {
	if q.retire == nil {
		return
	}
	q.retire.DestroyLater(frame, q.dev, m.GPU.VertexBuffer)
	q.retire.DestroyLater(frame, q.dev, m.GPU.IndexBuffer)
}

func (q *Queue) build(frame uint64, cmd rhi.CommandList, j job) error {
	if q.blas == nil {
		return fmt.Errorf("%w: no acceleration structure builder", rhi.ErrUnsupported)
	}
	if cmd != nil {
		cmd.SetMarker("BuildBLAS:" + j.label)
	}
	scratch, err := q.blas.BuildSingleBottomLevel(cmd, j.key)
	if err != nil {
		return err
	}
	if scratch != nil && q.retire != nil {
		q.retire.DestroyLater(frame, q.dev, scratch)
	}
	return nil
}
