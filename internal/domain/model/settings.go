package model

import (
	"fmt"

	"ai-image-pipeline/internal/domain"
)

// OutputFormat is the on-disk format an image is converted to at the end of
// post-processing.
type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPG  OutputFormat = "jpg"
	FormatWEBP OutputFormat = "webp"
)

type EnhancementSettings struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Sharpening int     `json:"sharpening" yaml:"sharpening"` // 0..10
	Saturation float64 `json:"saturation" yaml:"saturation"` // 0..2, 1 = unchanged
}

type ConversionSettings struct {
	Format  OutputFormat `json:"format" yaml:"format"`
	Quality int          `json:"quality" yaml:"quality"` // 1..100, jpg/webp only
	// Background is the flatten color (hex, e.g. "#ffffff") used when a
	// transparent image is converted to JPG.
	Background string `json:"background" yaml:"background"`
}

// ProcessingSettings is the per-image snapshot of every toggleable
// post-processing step. A copy is stored on each GeneratedImage so a retry
// with original settings can replay the exact same pipeline.
type ProcessingSettings struct {
	RemoveBackground bool                `json:"remove_background" yaml:"remove_background"`
	TrimTransparent  bool                `json:"trim_transparent" yaml:"trim_transparent"`
	Enhancement      EnhancementSettings `json:"enhancement" yaml:"enhancement"`
	Conversion       ConversionSettings  `json:"conversion" yaml:"conversion"`
}

func (s ProcessingSettings) Validate() error {
	if s.Enhancement.Enabled {
		if s.Enhancement.Sharpening < 0 || s.Enhancement.Sharpening > 10 {
			return fmt.Errorf("%w: enhancement.sharpening %d out of range [0,10]", domain.ErrConfigurationInvalid, s.Enhancement.Sharpening)
		}
		if s.Enhancement.Saturation < 0 || s.Enhancement.Saturation > 2 {
			return fmt.Errorf("%w: enhancement.saturation %.2f out of range [0,2]", domain.ErrConfigurationInvalid, s.Enhancement.Saturation)
		}
	}
	switch s.Conversion.Format {
	case FormatPNG, FormatJPG, FormatWEBP, "":
	default:
		return fmt.Errorf("%w: unknown output format %q", domain.ErrConfigurationInvalid, s.Conversion.Format)
	}
	if s.Conversion.Quality < 0 || s.Conversion.Quality > 100 {
		return fmt.Errorf("%w: conversion.quality %d out of range [0,100]", domain.ErrConfigurationInvalid, s.Conversion.Quality)
	}
	return nil
}

type GenerationParameters struct {
	Prompt     string `json:"prompt" yaml:"prompt"`
	Count      int    `json:"count" yaml:"count"`           // N generations
	Variations int    `json:"variations" yaml:"variations"` // V images per generation
	Model      string `json:"model" yaml:"model"`
	Width      int    `json:"width" yaml:"width"`
	Height     int    `json:"height" yaml:"height"`
	Seed       *int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

type QualityCheckSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Context string `json:"context" yaml:"context"` // extra guidance passed to the vision judge
}

type MetadataSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Context string `json:"context" yaml:"context"`
}

// ConfigurationSnapshot is the immutable copy of settings captured when a job
// starts. Later edits to stored configurations never change a running or
// completed job's recorded behavior.
type ConfigurationSnapshot struct {
	ConfigurationID string               `json:"configuration_id" yaml:"configuration_id"`
	Label           string               `json:"label" yaml:"label"`
	Parameters      GenerationParameters `json:"parameters" yaml:"parameters"`
	Processing      ProcessingSettings   `json:"processing" yaml:"processing"`
	QualityCheck    QualityCheckSettings `json:"quality_check" yaml:"quality_check"`
	Metadata        MetadataSettings     `json:"metadata" yaml:"metadata"`
}

func (c ConfigurationSnapshot) Validate() error {
	if c.Parameters.Prompt == "" {
		return fmt.Errorf("%w: prompt is empty", domain.ErrConfigurationInvalid)
	}
	if c.Parameters.Count < 1 {
		return fmt.Errorf("%w: parameters.count must be >= 1", domain.ErrConfigurationInvalid)
	}
	if c.Parameters.Variations < 1 {
		return fmt.Errorf("%w: parameters.variations must be >= 1", domain.ErrConfigurationInvalid)
	}
	return c.Processing.Validate()
}

// Clone returns a deep copy; the seed pointer is the only reference field.
func (c ConfigurationSnapshot) Clone() ConfigurationSnapshot {
	out := c
	if c.Parameters.Seed != nil {
		seed := *c.Parameters.Seed
		out.Parameters.Seed = &seed
	}
	return out
}
