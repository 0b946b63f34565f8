package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	// Job submit flags
	jobType        string
	dockerImage    string
	jobCommand     []string
	requiresGPU    bool
	gpuMemory      int64
	jobTimeout     int
	reward         float64

	// Job list flags
	stateFilter string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs",
	Long:  `Commands for submitting and inspecting jobs in the marketplace.`,
}

// jobsSubmitCmd represents the jobs submit command
var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long:  `Submit a new compute job to the marketplace. Priority is derived from the reward.`,
	RunE:  runJobsSubmit,
}

// jobsListCmd represents the jobs list command
var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long:  `List jobs, optionally filtered by state (queued, assigned, running, completed, abandoned).`,
	RunE:  runJobsList,
}

// jobsStatusCmd represents the jobs status command
var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long:  `Show the full record of a specific job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsSubmitCmd.Flags().StringVar(&jobType, "type", "", "job type (required, e.g., training)")
	jobsSubmitCmd.Flags().StringVar(&dockerImage, "image", "", "docker image (required)")
	jobsSubmitCmd.Flags().StringSliceVar(&jobCommand, "cmd", nil, "command to run in the container")
	jobsSubmitCmd.Flags().BoolVar(&requiresGPU, "gpu", false, "job requires a GPU")
	jobsSubmitCmd.Flags().Int64Var(&gpuMemory, "gpu-memory", 0, "GPU memory required in bytes")
	jobsSubmitCmd.Flags().IntVar(&jobTimeout, "timeout", 300, "declared timeout in seconds")
	jobsSubmitCmd.Flags().Float64Var(&reward, "reward", 0.001, "reward in SOL")
	jobsSubmitCmd.MarkFlagRequired("type")
	jobsSubmitCmd.MarkFlagRequired("image")

	jobsListCmd.Flags().StringVar(&stateFilter, "state", "", "filter by state")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	spec := map[string]interface{}{
		"job_type":                 jobType,
		"docker_image":             dockerImage,
		"command":                  jobCommand,
		"requires_gpu":             requiresGPU,
		"gpu_memory_required":      gpuMemory,
		"declared_timeout_seconds": jobTimeout,
		"reward":                   reward,
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	var result struct {
		JobID string `json:"job_id"`
	}
	if err := apiPost("/admin/jobs", bytes.NewReader(body), &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(result)
		return nil
	}
	fmt.Printf("Job submitted: %s\n", result.JobID)
	return nil
}

type jobRecord struct {
	ID              string  `json:"id"`
	JobType         string  `json:"job_type"`
	State           string  `json:"state"`
	Priority        string  `json:"priority"`
	RetryCount      int     `json:"retry_count"`
	Reward          float64 `json:"reward"`
	AssignedAgentID string  `json:"assigned_agent_id"`
	AdmittedAt      string  `json:"admitted_at"`
	LastError       string  `json:"last_error"`
}

func runJobsList(cmd *cobra.Command, args []string) error {
	path := "/admin/jobs"
	if stateFilter != "" {
		path += "?state=" + stateFilter
	}

	var listing struct {
		Jobs  []jobRecord `json:"jobs"`
		Count int         `json:"count"`
	}
	if err := apiGet(path, &listing); err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(listing)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job", "Type", "State", "Priority", "Retries", "Reward", "Agent", "Admitted")
	for _, job := range listing.Jobs {
		admitted := job.AdmittedAt
		if t, err := time.Parse(time.RFC3339Nano, job.AdmittedAt); err == nil {
			admitted = t.Format(time.RFC3339)
		}
		table.Append(
			shortID(job.ID),
			job.JobType,
			job.State,
			job.Priority,
			fmt.Sprintf("%d", job.RetryCount),
			fmt.Sprintf("%.6f", job.Reward),
			shortID(job.AssignedAgentID),
			admitted,
		)
	}
	table.Render()
	fmt.Printf("\n%d jobs\n", listing.Count)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	var listing struct {
		Jobs []map[string]interface{} `json:"jobs"`
	}
	if err := apiGet("/admin/jobs", &listing); err != nil {
		return err
	}

	for _, job := range listing.Jobs {
		if id, _ := job["id"].(string); id == args[0] {
			printJSON(job)
			return nil
		}
	}
	return fmt.Errorf("job %s not found", args[0])
}
