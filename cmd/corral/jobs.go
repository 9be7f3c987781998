package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aima-platform/corral/pkg/client"
	"github.com/aima-platform/corral/pkg/types"
)

// apiClient builds a client from the persistent flags
func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("CORRAL_TOKEN")
	}
	c := client.New(server, token)
	if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
		c.SetOwner(owner)
	}
	return c
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Long: `Submit a job from a YAML file or from flags.

Examples:
  # Submit from a file
  corral submit -f job.yaml

  # Submit from flags
  corral submit --kind inference --image ghcr.io/aima/llava-worker:v3 \
    --gpu-model A100 --gpu-count 1 --input s3://media/clip.mp4`,
	RunE: runSubmit,
}

// jobFile is the YAML shape corral submit -f accepts
type jobFile struct {
	Kind     string `yaml:"kind"`
	Priority string `yaml:"priority"`
	Image    string `yaml:"image"`
	Resources struct {
		GPUModel string `yaml:"gpu_model"`
		GPUCount int    `yaml:"gpu_count"`
		MemoryMB int64  `yaml:"memory_mb"`
		DiskGB   int    `yaml:"disk_gb"`
	} `yaml:"resources"`
	Env              map[string]string `yaml:"env"`
	Inputs           []string          `yaml:"inputs"`
	Deadline         string            `yaml:"deadline"`
	MaxRetries       *int              `yaml:"max_retries"`
	CostCeilingCents int64             `yaml:"cost_ceiling_cents"`
	IdempotencyKey   string            `yaml:"idempotency_key"`
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "YAML job file")
	submitCmd.Flags().String("kind", "", "Job kind (llava, llama, training, batch, inference, custom)")
	submitCmd.Flags().String("priority", "normal", "Priority (low, normal, high, urgent)")
	submitCmd.Flags().String("image", "", "Worker image reference")
	submitCmd.Flags().String("gpu-model", "", "Requested GPU model")
	submitCmd.Flags().Int("gpu-count", 1, "Requested GPU count")
	submitCmd.Flags().Int64("memory-mb", 0, "Minimum memory in MB")
	submitCmd.Flags().Int("disk-gb", 0, "Disk in GB")
	submitCmd.Flags().StringArray("input", nil, "Input media URI (repeatable)")
	submitCmd.Flags().String("idempotency-key", "", "Idempotency key")
	submitCmd.Flags().Int64("cost-ceiling-cents", 0, "Cost ceiling in cents")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var req client.SubmitRequest

	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		var jf jobFile
		if err := yaml.Unmarshal(data, &jf); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		req = client.SubmitRequest{
			Kind:     jf.Kind,
			Priority: jf.Priority,
			Image:    jf.Image,
			Resources: types.ResourceProfile{
				GPUModel: jf.Resources.GPUModel,
				GPUCount: jf.Resources.GPUCount,
				MemoryMB: jf.Resources.MemoryMB,
				DiskGB:   jf.Resources.DiskGB,
			},
			Env:            jf.Env,
			Inputs:         jf.Inputs,
			MaxRetries:     jf.MaxRetries,
			CostCeiling:    jf.CostCeilingCents,
			IdempotencyKey: jf.IdempotencyKey,
		}
		if jf.Deadline != "" {
			deadline, err := time.Parse(time.RFC3339, jf.Deadline)
			if err != nil {
				return fmt.Errorf("invalid deadline (want RFC3339): %w", err)
			}
			req.Deadline = &deadline
		}
	} else {
		req.Kind, _ = cmd.Flags().GetString("kind")
		req.Priority, _ = cmd.Flags().GetString("priority")
		req.Image, _ = cmd.Flags().GetString("image")
		req.Resources.GPUModel, _ = cmd.Flags().GetString("gpu-model")
		req.Resources.GPUCount, _ = cmd.Flags().GetInt("gpu-count")
		req.Resources.MemoryMB, _ = cmd.Flags().GetInt64("memory-mb")
		req.Resources.DiskGB, _ = cmd.Flags().GetInt("disk-gb")
		req.Inputs, _ = cmd.Flags().GetStringArray("input")
		req.IdempotencyKey, _ = cmd.Flags().GetString("idempotency-key")
		req.CostCeiling, _ = cmd.Flags().GetInt64("cost-ceiling-cents")
	}
	if req.Kind == "" {
		return fmt.Errorf("kind is required (--kind or the file's kind field)")
	}

	job, err := apiClient(cmd).SubmitJob(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Job submitted: %s (kind=%s, priority=%s, estimate=%s)\n",
		job.ID, job.Kind, job.Priority, centsString(job.EstimateCents))
	return nil
}

var getCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Show a job and its assignment history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := apiClient(cmd).GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		job := detail.Job
		fmt.Printf("Job:       %s\n", job.ID)
		fmt.Printf("Owner:     %s\n", job.Owner)
		fmt.Printf("Kind:      %s  Priority: %s\n", job.Kind, job.Priority)
		fmt.Printf("State:     %s\n", job.State)
		fmt.Printf("Resources: %s x%d, %d MB\n", job.Resources.GPUModel, job.Resources.GPUCount, job.Resources.MemoryMB)
		fmt.Printf("Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
		if job.InstanceID != "" {
			fmt.Printf("Instance:  %s\n", job.InstanceID)
		}
		if job.ErrorClass != "" {
			fmt.Printf("Error:     %s: %s\n", job.ErrorClass, job.Error)
		}
		if job.FinalCostCents > 0 {
			fmt.Printf("Cost:      %s\n", centsString(job.FinalCostCents))
		}
		if len(detail.Assignments) > 0 {
			fmt.Println("\nAssignments:")
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tINSTANCE\tSTATUS\tASSIGNED")
			for _, a := range detail.Assignments {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", a.ID, a.InstanceID, a.State, a.AssignedAt.Format(time.RFC3339))
			}
			w.Flush()
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")
		list, err := apiClient(cmd).ListJobs(cmd.Context(), client.ListJobsOptions{State: state, Limit: limit, Cursor: cursor})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tSTATE\tCREATED")
		for _, job := range list.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Kind, job.Priority, job.State, job.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
		if list.NextCursor != "" {
			fmt.Printf("\nMore results: --cursor %s\n", list.NextCursor)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient(cmd).CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if job.State == types.JobStateCancelled {
			fmt.Printf("✓ Job cancelled: %s\n", job.ID)
		} else {
			fmt.Printf("✓ Cancellation requested: %s (state=%s; the worker gets a grace period)\n", job.ID, job.State)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("state", "", "Filter by state")
	listCmd.Flags().Int("limit", 50, "Page size")
	listCmd.Flags().String("cursor", "", "Continue from a previous page")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
}

func centsString(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
