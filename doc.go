// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cortex is the core of a hybrid real-time 3D renderer: raster
// passes with optional hardware ray tracing, driven one frame at a time.
//
// # Overview
//
// A Renderer owns frames-in-flight bookkeeping, render targets, the asset
// memory registry, the GPU job queue and the quality governors. Each call
// to Render records the fixed pass sequence for one Scene, submits it and
// presents:
//
//	GPU jobs, TLAS, RT shadows, depth prepass, shadows, opaque, overlay,
//	water, transparent, RT reflections and GI, motion vectors, HZB, TAA,
//	SSR, SSAO, bloom, post-process, debug lines
//
// Passes whose feature is off, whose inputs are missing or whose pipeline
// cannot be created are skipped; the frame continues without them.
//
// # Quick Start
//
//	dev, err := cortex.OpenDefaultDevice()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	r, err := cortex.New(dev, window, cortex.WithRunLog("logs"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	sc := &cortex.Scene{Camera: cortex.DefaultCamera()}
//	for running {
//	    if err := r.Render(sc, dt); err != nil {
//	        break
//	    }
//	}
//
// # Devices
//
// The renderer records into a Device. The HAL implementation
// (OpenDefaultDevice, NewFromProvider) runs on gogpu/wgpu; a host
// application that already owns a device shares it through gpucontext.
//
// # Configuration
//
// Config carries every tunable and loads from TOML. Environment toggles
// such as CORTEX_DISABLE_SSR=1 are applied on top; disable toggles cannot
// be overridden at runtime.
//
// # Device loss
//
// Device removal is sticky. The frame that detects it returns
// ErrDeviceRemoved and writes a one-time diagnostic dump; later frames are
// skipped.
//
// # Logging
//
// cortex is silent by default. See SetLogger.
package cortex
