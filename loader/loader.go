// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader reads and writes diffusers pipelines and LyCORIS files.
//
// Locations are local paths or s3://bucket/prefix URIs. A pipeline directory
// holds text_encoder/, an optional text_encoder_2/ (SDXL) and unet/, each
// with one or more SafeTensors shards.
//
// Example:
//
//	p, err := loader.Open(ctx, "models/sd15", loader.S3Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bundle := p.Bundle()
package loader

import (
	"context"

	"github.com/born-ml/lycoris/internal/blob"
	"github.com/born-ml/lycoris/internal/loader"
	"github.com/born-ml/lycoris/internal/lycoris"
	"github.com/born-ml/lycoris/tensor"
)

// S3Config configures access to s3:// locations.
type S3Config = blob.S3Config

// Store is a slash-keyed blob store.
type Store = blob.Store

// Component is one loaded model of a pipeline.
type Component = loader.Component

// Pipeline is a loaded diffusers pipeline with its source store.
type Pipeline struct {
	*loader.Pipeline
}

// Bundle returns the pipeline's model trees.
func (p *Pipeline) Bundle() lycoris.Bundle {
	b := lycoris.Bundle{TextEncoder: p.TextEncoder.Root, UNet: p.UNet.Root}
	if p.TextEncoder2 != nil {
		b.TextEncoder2 = p.TextEncoder2.Root
	}
	return b
}

// OpenStore opens a store rooted at a directory location.
func OpenStore(ctx context.Context, uri string, cfg S3Config) (Store, error) {
	loc, err := blob.ParseLocation(uri)
	if err != nil {
		return nil, err
	}
	return blob.Open(ctx, loc, cfg)
}

// Open loads the pipeline stored at uri.
func Open(ctx context.Context, uri string, cfg S3Config) (*Pipeline, error) {
	store, err := OpenStore(ctx, uri, cfg)
	if err != nil {
		return nil, err
	}
	p, err := loader.OpenPipeline(ctx, store)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Pipeline: p}, nil
}

// Save writes p to the directory location uri, copying the auxiliary files
// of the source pipeline.
func Save(ctx context.Context, p *Pipeline, uri string, cfg S3Config) error {
	store, err := OpenStore(ctx, uri, cfg)
	if err != nil {
		return err
	}
	return loader.SavePipeline(ctx, p.Pipeline, store)
}

// LoadSafeTensors reads every tensor and the metadata of key in store.
func LoadSafeTensors(ctx context.Context, store Store, key string) (map[string]*tensor.Raw, map[string]string, error) {
	return loader.LoadSafeTensors(ctx, store, key)
}

// SaveSafeTensors writes state and metadata to key in store.
func SaveSafeTensors(ctx context.Context, store Store, key string, state map[string]*tensor.Raw, metadata map[string]string) error {
	return loader.SaveSafeTensors(ctx, store, key, state, metadata)
}
