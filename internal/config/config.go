// File: internal/config/config.go
// Brief: Pipeline definition file loading and defaults.

// Package config parses pipeline definition files (YAML or JSON) into the
// engine's typed definition, applying per-stage defaults. Work units are not
// part of the file format; the caller resolves each stage spec into one.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/pipectl/internal/pipeline"
)

const (
	DefaultStageTimeout = time.Hour
	DefaultWhen         = pipeline.WhenAlways
)

// Duration accepts either a duration string ("90s", "10m") or a bare number
// of seconds, matching the formats pipeline files use in the wild.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration at line %d", value.Line)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// RetryPolicy is the pipeline-level retry configuration. It is parsed for
// completeness but not merged into the stage-level retry loop; stages retry
// per their own retryCount with no delay.
type RetryPolicy struct {
	MaxRetries        int      `yaml:"maxRetries"`
	RetryDelay        Duration `yaml:"retryDelay"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
}

// StageSpec is one stage entry of a pipeline file.
type StageSpec struct {
	Name         string            `yaml:"name"`
	Run          string            `yaml:"run"`
	DependsOn    []string          `yaml:"dependsOn"`
	Timeout      Duration          `yaml:"timeout"`
	RetryCount   int               `yaml:"retryCount"`
	AllowFailure bool              `yaml:"allowFailure"`
	When         string            `yaml:"when"`
	Environment  map[string]string `yaml:"environment"`
	Artifacts    []string          `yaml:"artifacts"`
}

// File is a parsed pipeline definition file.
type File struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Enabled     *bool             `yaml:"enabled"`
	Variables   map[string]string `yaml:"variables"`
	Triggers    []string          `yaml:"triggers"`
	RetryPolicy RetryPolicy       `yaml:"retryPolicy"`
	Stages      []StageSpec       `yaml:"stages"`
}

// Load reads and parses a pipeline file. JSON files parse through the same
// path, JSON being a YAML subset.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(raw)
}

// Parse parses pipeline file contents.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("pipeline file: name is required")
	}
	if len(f.Stages) == 0 {
		return nil, fmt.Errorf("pipeline file %q: at least one stage is required", f.Name)
	}
	for i, st := range f.Stages {
		if st.Name == "" {
			return nil, fmt.Errorf("pipeline file %q: stage %d has no name", f.Name, i)
		}
	}
	return &f, nil
}

// Definition converts the file into an engine definition, resolving each
// stage spec into a work unit via units. Stage defaults: timeout 1h,
// when always, retryCount 0.
func (f *File) Definition(units func(StageSpec) pipeline.WorkUnit) pipeline.Definition {
	def := pipeline.Definition{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Variables:   f.Variables,
		Triggers:    f.Triggers,
		Disabled:    f.Enabled != nil && !*f.Enabled,
	}
	for _, spec := range f.Stages {
		st := pipeline.StageDefinition{
			Name:         spec.Name,
			Unit:         units(spec),
			DependsOn:    spec.DependsOn,
			Timeout:      time.Duration(spec.Timeout),
			RetryCount:   spec.RetryCount,
			AllowFailure: spec.AllowFailure,
			When:         pipeline.When(spec.When),
			Environment:  spec.Environment,
			Artifacts:    spec.Artifacts,
		}
		if st.Timeout <= 0 {
			st.Timeout = DefaultStageTimeout
		}
		if st.When == "" {
			st.When = DefaultWhen
		}
		def.Stages = append(def.Stages, st)
	}
	return def
}
