// File: internal/config/config_test.go
// Brief: Pipeline file parsing tests.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/pipectl/internal/pipeline"
)

func noopUnits(StageSpec) pipeline.WorkUnit {
	return pipeline.WorkUnitFunc(func(context.Context, pipeline.ExecContext, pipeline.StageDefinition) (any, error) {
		return nil, nil
	})
}

const sampleYAML = `
name: release
description: build and ship
variables:
  REGION: us-east-1
triggers: [manual, webhook]
retryPolicy:
  maxRetries: 3
  retryDelay: 5s
stages:
  - name: build
    run: make build
    timeout: 90s
    retryCount: 2
  - name: test
    run: make test
    dependsOn: [build]
    timeout: 600
    environment:
      CI: "true"
  - name: notify
    run: ./notify.sh
    dependsOn: [test]
    when: on_failure
    allowFailure: true
`

func TestParseSample(t *testing.T) {
	f, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Name != "release" {
		t.Fatalf("name = %q", f.Name)
	}
	if len(f.Stages) != 3 {
		t.Fatalf("stages = %d", len(f.Stages))
	}
	if got := time.Duration(f.Stages[0].Timeout); got != 90*time.Second {
		t.Fatalf("build timeout = %s", got)
	}
	if got := time.Duration(f.Stages[1].Timeout); got != 600*time.Second {
		t.Fatalf("numeric timeout = %s", got)
	}
	if f.Stages[1].Environment["CI"] != "true" {
		t.Fatalf("environment not parsed")
	}
	if f.RetryPolicy.MaxRetries != 3 {
		t.Fatalf("retryPolicy.maxRetries = %d", f.RetryPolicy.MaxRetries)
	}
	if got := time.Duration(f.RetryPolicy.RetryDelay); got != 5*time.Second {
		t.Fatalf("retryPolicy.retryDelay = %s", got)
	}
}

func TestParseJSONSubset(t *testing.T) {
	raw := `{"name":"p","stages":[{"name":"a","run":"true","timeout":"30s"}]}`
	f, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if got := time.Duration(f.Stages[0].Timeout); got != 30*time.Second {
		t.Fatalf("timeout = %s", got)
	}
}

func TestParseRejectsMissingName(t *testing.T) {
	if _, err := Parse([]byte("stages: [{name: a, run: 'true'}]")); err == nil {
		t.Fatal("expected error for missing pipeline name")
	}
}

func TestParseRejectsEmptyStages(t *testing.T) {
	if _, err := Parse([]byte("name: p")); err == nil {
		t.Fatal("expected error for empty stages")
	}
}

func TestParseRejectsUnnamedStage(t *testing.T) {
	if _, err := Parse([]byte("name: p\nstages: [{run: 'true'}]")); err == nil {
		t.Fatal("expected error for unnamed stage")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	if _, err := Parse([]byte("name: p\nstages: [{name: a, timeout: soon}]")); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestDefinitionDefaults(t *testing.T) {
	f, err := Parse([]byte("name: p\nstages: [{name: a, run: 'true'}]"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def := f.Definition(noopUnits)
	if def.Stages[0].Timeout != DefaultStageTimeout {
		t.Fatalf("default timeout = %s", def.Stages[0].Timeout)
	}
	if def.Stages[0].When != pipeline.WhenAlways {
		t.Fatalf("default when = %q", def.Stages[0].When)
	}
	if def.Disabled {
		t.Fatal("pipeline should default to enabled")
	}
}

func TestDefinitionDisabled(t *testing.T) {
	f, err := Parse([]byte("name: p\nenabled: false\nstages: [{name: a, run: 'true'}]"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def := f.Definition(noopUnits); !def.Disabled {
		t.Fatal("enabled: false should disable the pipeline")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := f.Definition(noopUnits)
	if vs := pipeline.Validate(def); len(vs) != 0 {
		t.Fatalf("validate: %v", vs)
	}
	if len(def.Stages) != 3 {
		t.Fatalf("stages = %d", len(def.Stages))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
