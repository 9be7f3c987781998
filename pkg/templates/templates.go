package templates

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aima-platform/corral/pkg/types"
	"gopkg.in/yaml.v3"
)

// Template describes one registered job kind: which worker images it may run,
// what resources it gets when the submission leaves them unset, and how long
// a run is expected to take (the cost estimator's duration table).
type Template struct {
	Kind             types.JobKind
	Images           []string // exact refs, or prefix entries ending in "*"
	DefaultResources types.ResourceProfile
	ExpectedDuration time.Duration
}

// Catalog is the enumerated set of accepted job templates. Submissions naming
// an unregistered kind or a non-allowlisted image are rejected before they
// reach the store.
type Catalog struct {
	templates map[types.JobKind]*Template
}

// templateFile is the YAML shape of a templates file
type templateFile struct {
	Templates []templateEntry `yaml:"templates"`
}

type templateEntry struct {
	Kind             string   `yaml:"kind"`
	Images           []string `yaml:"images"`
	GPUModel         string   `yaml:"gpu_model"`
	GPUCount         int      `yaml:"gpu_count"`
	MemoryMB         int64    `yaml:"memory_mb"`
	DiskGB           int      `yaml:"disk_gb"`
	ExpectedDuration string   `yaml:"expected_duration"`
}

// Load reads a templates file, or returns the built-in catalog when path is
// empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates file: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("templates file defines no templates")
	}

	catalog := &Catalog{templates: make(map[types.JobKind]*Template)}
	for _, entry := range file.Templates {
		if entry.Kind == "" {
			return nil, fmt.Errorf("template with empty kind")
		}
		if len(entry.Images) == 0 {
			return nil, fmt.Errorf("template %s: at least one image is required", entry.Kind)
		}
		duration, err := time.ParseDuration(entry.ExpectedDuration)
		if err != nil {
			return nil, fmt.Errorf("template %s: invalid expected_duration: %w", entry.Kind, err)
		}

		kind := types.JobKind(entry.Kind)
		catalog.templates[kind] = &Template{
			Kind:   kind,
			Images: entry.Images,
			DefaultResources: types.ResourceProfile{
				GPUModel: entry.GPUModel,
				GPUCount: entry.GPUCount,
				MemoryMB: entry.MemoryMB,
				DiskGB:   entry.DiskGB,
			},
			ExpectedDuration: duration,
		}
	}
	return catalog, nil
}

// Builtin returns the default catalog covering every registered kind.
func Builtin() *Catalog {
	entries := []*Template{
		{
			Kind:             types.JobKindLlava,
			Images:           []string{"registry.aima.internal/workers/llava*"},
			DefaultResources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
			ExpectedDuration: 10 * time.Minute,
		},
		{
			Kind:             types.JobKindLlama,
			Images:           []string{"registry.aima.internal/workers/llama*"},
			DefaultResources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 81920},
			ExpectedDuration: 15 * time.Minute,
		},
		{
			Kind:             types.JobKindInference,
			Images:           []string{"registry.aima.internal/workers/*"},
			DefaultResources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
			ExpectedDuration: 5 * time.Minute,
		},
		{
			Kind:             types.JobKindBatch,
			Images:           []string{"registry.aima.internal/workers/*"},
			DefaultResources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
			ExpectedDuration: 30 * time.Minute,
		},
		{
			Kind:             types.JobKindTraining,
			Images:           []string{"registry.aima.internal/workers/train*"},
			DefaultResources: types.ResourceProfile{GPUModel: "H100", GPUCount: 4, MemoryMB: 327680},
			ExpectedDuration: 4 * time.Hour,
		},
		{
			Kind:             types.JobKindCustom,
			Images:           []string{"registry.aima.internal/custom/*"},
			DefaultResources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
			ExpectedDuration: 1 * time.Hour,
		},
	}

	catalog := &Catalog{templates: make(map[types.JobKind]*Template)}
	for _, tpl := range entries {
		catalog.templates[tpl.Kind] = tpl
	}
	return catalog
}

// Get returns the template registered for kind
func (c *Catalog) Get(kind types.JobKind) (*Template, bool) {
	tpl, ok := c.templates[kind]
	return tpl, ok
}

// Kinds lists the registered kinds
func (c *Catalog) Kinds() []types.JobKind {
	kinds := make([]types.JobKind, 0, len(c.templates))
	for kind := range c.templates {
		kinds = append(kinds, kind)
	}
	return kinds
}

// ExpectedDuration returns the duration-table entry for kind, defaulting to
// one hour for kinds the catalog does not know.
func (c *Catalog) ExpectedDuration(kind types.JobKind) time.Duration {
	if tpl, ok := c.templates[kind]; ok {
		return tpl.ExpectedDuration
	}
	return 1 * time.Hour
}

// CheckJob verifies a submission names a registered kind and an allowlisted
// image, and fills default resources for unset fields.
func (c *Catalog) CheckJob(job *types.Job) error {
	tpl, ok := c.templates[job.Kind]
	if !ok {
		return fmt.Errorf("unregistered job kind: %s", job.Kind)
	}
	if !imageAllowed(tpl.Images, job.Image) {
		return fmt.Errorf("image %s is not registered for kind %s", job.Image, job.Kind)
	}

	if job.Resources.GPUModel == "" {
		job.Resources.GPUModel = tpl.DefaultResources.GPUModel
	}
	if job.Resources.GPUCount == 0 {
		job.Resources.GPUCount = tpl.DefaultResources.GPUCount
	}
	if job.Resources.MemoryMB == 0 {
		job.Resources.MemoryMB = tpl.DefaultResources.MemoryMB
	}
	return nil
}

// imageAllowed checks an image reference against the allowlist. Entries
// ending in "*" match by prefix.
func imageAllowed(allowed []string, image string) bool {
	for _, entry := range allowed {
		if strings.HasSuffix(entry, "*") {
			if strings.HasPrefix(image, strings.TrimSuffix(entry, "*")) {
				return true
			}
			continue
		}
		if entry == image {
			return true
		}
	}
	return false
}
