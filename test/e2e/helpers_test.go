package e2e

import (
	"context"
	"testing"

	"github.com/aima-platform/corral/pkg/client"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/test/framework"
)

// a100Profile matches the inference template's defaults, so stub providers
// built with it can serve any helper-submitted job.
var a100Profile = types.ResourceProfile{
	GPUModel: "A100",
	GPUCount: 1,
	MemoryMB: 40960,
	DiskGB:   100,
}

// submitInference submits one inference job and returns it
func submitInference(t *testing.T, h *framework.Harness, key string) *types.Job {
	t.Helper()
	job, err := h.Client.SubmitJob(context.Background(), client.SubmitRequest{
		Kind:           "inference",
		Image:          "registry.aima.internal/workers/llava-v3",
		Inputs:         []string{"s3://media/clip.mp4"},
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}
	return job
}
