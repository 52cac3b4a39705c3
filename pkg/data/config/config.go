// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the layer configuration of the data managers: batch partitioning across
// replicas, datum shape, selective list and the transformation parameters.
//
// A configuration can be built directly (see Default), or read from scoped parameters (see
// NewParams, FromParams and ParseSettings), which is how the command-line tools configure it.
package config

import (
	"fmt"
	"strings"

	"github.com/gomlx/replicafeed/internal/scoped"
	"github.com/pkg/errors"
)

// Phase of the data layer: it controls whether the transformation is randomized.
type Phase int

const (
	// Train phase: random crops and random mirroring.
	Train Phase = iota
	// Test phase: center crops and no mirroring.
	Test
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case Train:
		return "train"
	case Test:
		return "test"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParsePhase converts "train" or "test" (case-insensitive) to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "train":
		return Train, nil
	case "test":
		return Test, nil
	}
	return Train, errors.Errorf("unknown phase %q, valid values are \"train\" or \"test\"", s)
}

// TransformConfig holds the parameters of the per-item transformation.
type TransformConfig struct {
	Phase Phase

	// CropSize, if > 0, crops a square of this size: random position in Train, centered in Test.
	CropSize int

	// Mirror randomly flips items horizontally, only in the Train phase.
	Mirror bool

	// MeanValues are subtracted from each channel. Either empty, one value for all channels, or
	// one value per channel.
	MeanValues []float64

	// Scale multiplies the values after the mean subtraction.
	Scale float64

	// ShorterSide, if > 0, resizes variable-size items so that their shorter side has this length.
	ShorterSide int

	// Seed for the random transformations. If 0 a time based seed is used.
	Seed int64
}

// LayerConfig is the configuration of one data layer, shared by all its replicas.
type LayerConfig struct {
	// Name of the layer, used in logs.
	Name string

	// BatchSize is the total batch size, split evenly across NumReplicas.
	BatchSize int

	// NumReplicas is the number of replica partitions (one per device).
	NumReplicas int

	// Channels, Height and Width of the stored datum. If left as 0 they are read from the first
	// record of the store.
	Channels, Height, Width int

	// VariableSize selects the variable-size manager.
	VariableSize bool

	// MaxPixels is the maximum height*width of a variable-size item, it sizes the prefetch buffer.
	MaxPixels int

	// SelectiveList is an optional path to a "name label" list driving the record order.
	SelectiveList string

	// OutputLabels indicates whether labels are copied to the replicas.
	OutputLabels bool

	// Parallelism is the number of goroutines transforming the items of a batch.
	// 0 transforms inline in the prefetch goroutine, -1 is unlimited.
	Parallelism int

	Transform TransformConfig
}

// Default returns a LayerConfig with default values: it still requires the datum shape to be
// set or inferred from the store.
func Default() LayerConfig {
	return LayerConfig{
		Name:         "data",
		BatchSize:    32,
		NumReplicas:  1,
		OutputLabels: true,
		Parallelism:  0,
		Transform: TransformConfig{
			Phase: Train,
			Scale: 1.0,
		},
	}
}

// Validate checks the configuration for errors, and returns the first one found.
//
// The datum shape is not checked, since it may be inferred later from the store.
func (c *LayerConfig) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("layer %q: batch_size must be > 0, got %d", c.Name, c.BatchSize)
	}
	if c.NumReplicas <= 0 {
		return errors.Errorf("layer %q: num_replicas must be > 0, got %d", c.Name, c.NumReplicas)
	}
	if c.BatchSize%c.NumReplicas != 0 {
		return errors.Errorf("layer %q: batch_size=%d is not divisible by num_replicas=%d",
			c.Name, c.BatchSize, c.NumReplicas)
	}
	if c.Channels < 0 || c.Height < 0 || c.Width < 0 {
		return errors.Errorf("layer %q: invalid datum shape channels=%d, height=%d, width=%d",
			c.Name, c.Channels, c.Height, c.Width)
	}
	if c.Transform.CropSize < 0 {
		return errors.Errorf("layer %q: crop_size must be >= 0, got %d", c.Name, c.Transform.CropSize)
	}
	if c.Transform.Scale == 0 {
		return errors.Errorf("layer %q: scale can't be 0", c.Name)
	}
	if c.VariableSize {
		if c.MaxPixels <= 0 {
			return errors.Errorf("layer %q: variable_size requires max_pixels > 0, got %d", c.Name, c.MaxPixels)
		}
		if c.Transform.CropSize > 0 {
			return errors.Errorf("layer %q: crop_size is not supported with variable_size", c.Name)
		}
	}
	if n := len(c.Transform.MeanValues); n > 1 && c.Channels > 0 && n != c.Channels {
		return errors.Errorf("layer %q: %d mean_values given, but datum has %d channels", c.Name, n, c.Channels)
	}
	return nil
}

// ReplicaBatchSize is the number of items of each replica partition.
func (c *LayerConfig) ReplicaBatchSize() int {
	return c.BatchSize / c.NumReplicas
}

// Parameter names recognized by FromParams and ParseSettings.
const (
	ParamBatchSize     = "batch_size"
	ParamNumReplicas   = "num_replicas"
	ParamChannels      = "channels"
	ParamHeight        = "height"
	ParamWidth         = "width"
	ParamVariableSize  = "variable_size"
	ParamMaxPixels     = "max_pixels"
	ParamSelectiveList = "selective_list"
	ParamOutputLabels  = "output_labels"
	ParamParallelism   = "parallelism"
	ParamPhase         = "phase"
	ParamCropSize      = "crop_size"
	ParamMirror        = "mirror"
	ParamMeanValues    = "mean_values"
	ParamScale         = "scale"
	ParamShorterSide   = "shorter_side"
	ParamSeed          = "seed"
)

// ScopeSeparator separates the parts of a layer scope, e.g.: "/train_data".
const ScopeSeparator = "/"

// RootScope holds the default values of the parameters.
const RootScope = ScopeSeparator

// NewParams creates scoped parameters with all the defaults (from Default) set in the root scope.
// The type of each default is used by ParseSettings to parse new values.
func NewParams() *scoped.Params {
	d := Default()
	p := scoped.New(ScopeSeparator)
	p.Set(RootScope, ParamBatchSize, d.BatchSize)
	p.Set(RootScope, ParamNumReplicas, d.NumReplicas)
	p.Set(RootScope, ParamChannels, d.Channels)
	p.Set(RootScope, ParamHeight, d.Height)
	p.Set(RootScope, ParamWidth, d.Width)
	p.Set(RootScope, ParamVariableSize, d.VariableSize)
	p.Set(RootScope, ParamMaxPixels, d.MaxPixels)
	p.Set(RootScope, ParamSelectiveList, d.SelectiveList)
	p.Set(RootScope, ParamOutputLabels, d.OutputLabels)
	p.Set(RootScope, ParamParallelism, d.Parallelism)
	p.Set(RootScope, ParamPhase, d.Transform.Phase.String())
	p.Set(RootScope, ParamCropSize, d.Transform.CropSize)
	p.Set(RootScope, ParamMirror, d.Transform.Mirror)
	p.Set(RootScope, ParamMeanValues, []float64{})
	p.Set(RootScope, ParamScale, d.Transform.Scale)
	p.Set(RootScope, ParamShorterSide, d.Transform.ShorterSide)
	p.Set(RootScope, ParamSeed, int(d.Transform.Seed))
	return p
}

// FromParams builds the LayerConfig of the layer in the given scope (e.g.: "/train_data"),
// falling back to the parent scopes for parameters not set.
//
// The layer name is the last part of the scope ("data" for the root scope).
// The returned configuration is validated.
func FromParams(p *scoped.Params, scope string) (c LayerConfig, err error) {
	c = Default()
	if scope == "" {
		scope = RootScope
	}
	if !strings.HasPrefix(scope, ScopeSeparator) {
		err = errors.Errorf("layer scope %q must start with %q", scope, ScopeSeparator)
		return
	}
	if name := strings.TrimPrefix(scope[strings.LastIndex(scope, ScopeSeparator):], ScopeSeparator); name != "" {
		c.Name = name
	}

	var phase string
	var seed int
	getters := []func() error{
		intParam(p, scope, ParamBatchSize, &c.BatchSize),
		intParam(p, scope, ParamNumReplicas, &c.NumReplicas),
		intParam(p, scope, ParamChannels, &c.Channels),
		intParam(p, scope, ParamHeight, &c.Height),
		intParam(p, scope, ParamWidth, &c.Width),
		boolParam(p, scope, ParamVariableSize, &c.VariableSize),
		intParam(p, scope, ParamMaxPixels, &c.MaxPixels),
		stringParam(p, scope, ParamSelectiveList, &c.SelectiveList),
		boolParam(p, scope, ParamOutputLabels, &c.OutputLabels),
		intParam(p, scope, ParamParallelism, &c.Parallelism),
		stringParam(p, scope, ParamPhase, &phase),
		intParam(p, scope, ParamCropSize, &c.Transform.CropSize),
		boolParam(p, scope, ParamMirror, &c.Transform.Mirror),
		floatsParam(p, scope, ParamMeanValues, &c.Transform.MeanValues),
		floatParam(p, scope, ParamScale, &c.Transform.Scale),
		intParam(p, scope, ParamShorterSide, &c.Transform.ShorterSide),
		intParam(p, scope, ParamSeed, &seed),
	}
	for _, getter := range getters {
		if err = getter(); err != nil {
			err = errors.WithMessagef(err, "reading configuration of layer %q", scope)
			return
		}
	}
	if phase != "" {
		if c.Transform.Phase, err = ParsePhase(phase); err != nil {
			return
		}
	}
	c.Transform.Seed = int64(seed)
	err = c.Validate()
	return
}

func intParam(p *scoped.Params, scope, key string, target *int) func() error {
	return func() (err error) {
		*target, err = scoped.GetOr(p, scope, key, *target)
		return
	}
}

func boolParam(p *scoped.Params, scope, key string, target *bool) func() error {
	return func() (err error) {
		*target, err = scoped.GetOr(p, scope, key, *target)
		return
	}
}

func stringParam(p *scoped.Params, scope, key string, target *string) func() error {
	return func() (err error) {
		*target, err = scoped.GetOr(p, scope, key, *target)
		return
	}
}

func floatParam(p *scoped.Params, scope, key string, target *float64) func() error {
	return func() (err error) {
		*target, err = scoped.GetOr(p, scope, key, *target)
		return
	}
}

func floatsParam(p *scoped.Params, scope, key string, target *[]float64) func() error {
	return func() (err error) {
		*target, err = scoped.GetOr(p, scope, key, *target)
		return
	}
}
