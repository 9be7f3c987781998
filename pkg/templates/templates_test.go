package templates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aima-platform/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCoversAllKinds(t *testing.T) {
	catalog := Builtin()
	for _, kind := range []types.JobKind{
		types.JobKindLlava, types.JobKindLlama, types.JobKindTraining,
		types.JobKindBatch, types.JobKindInference, types.JobKindCustom,
	} {
		tpl, ok := catalog.Get(kind)
		require.True(t, ok, "kind %s missing", kind)
		assert.NotEmpty(t, tpl.Images)
		assert.Greater(t, tpl.ExpectedDuration, time.Duration(0))
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	content := `
templates:
  - kind: inference
    images:
      - registry.test/infer:v1
      - registry.test/experimental/*
    gpu_model: L40S
    gpu_count: 1
    memory_mb: 24576
    expected_duration: 3m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	catalog, err := Load(path)
	require.NoError(t, err)

	tpl, ok := catalog.Get(types.JobKindInference)
	require.True(t, ok)
	assert.Equal(t, "L40S", tpl.DefaultResources.GPUModel)
	assert.Equal(t, 3*time.Minute, tpl.ExpectedDuration)

	// Kinds absent from the file are not registered
	_, ok = catalog.Get(types.JobKindTraining)
	assert.False(t, ok)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty templates", "templates: []\n"},
		{"missing kind", "templates:\n  - images: [a]\n    expected_duration: 1m\n"},
		{"missing images", "templates:\n  - kind: batch\n    expected_duration: 1m\n"},
		{"bad duration", "templates:\n  - kind: batch\n    images: [a]\n    expected_duration: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "templates.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestCheckJob(t *testing.T) {
	catalog := Builtin()

	tests := []struct {
		name    string
		job     types.Job
		wantErr bool
	}{
		{
			name: "allowed prefix image",
			job: types.Job{
				Kind:  types.JobKindInference,
				Image: "registry.aima.internal/workers/clip:v2",
			},
		},
		{
			name: "unregistered kind",
			job: types.Job{
				Kind:  types.JobKind("mystery"),
				Image: "registry.aima.internal/workers/clip:v2",
			},
			wantErr: true,
		},
		{
			name: "image outside allowlist",
			job: types.Job{
				Kind:  types.JobKindLlava,
				Image: "docker.io/somebody/evil:latest",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := catalog.CheckJob(&tt.job)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckJobFillsDefaults(t *testing.T) {
	catalog := Builtin()
	job := types.Job{
		Kind:  types.JobKindLlama,
		Image: "registry.aima.internal/workers/llama:v3",
	}
	require.NoError(t, catalog.CheckJob(&job))
	assert.Equal(t, "A100", job.Resources.GPUModel)
	assert.Equal(t, 1, job.Resources.GPUCount)
	assert.Equal(t, int64(81920), job.Resources.MemoryMB)

	// Explicit resources are preserved
	job = types.Job{
		Kind:      types.JobKindLlama,
		Image:     "registry.aima.internal/workers/llama:v3",
		Resources: types.ResourceProfile{GPUModel: "H100", GPUCount: 2, MemoryMB: 163840},
	}
	require.NoError(t, catalog.CheckJob(&job))
	assert.Equal(t, "H100", job.Resources.GPUModel)
	assert.Equal(t, 2, job.Resources.GPUCount)
}

func TestExpectedDuration(t *testing.T) {
	catalog := Builtin()
	assert.Equal(t, 4*time.Hour, catalog.ExpectedDuration(types.JobKindTraining))
	assert.Equal(t, 1*time.Hour, catalog.ExpectedDuration(types.JobKind("unknown")))
}
