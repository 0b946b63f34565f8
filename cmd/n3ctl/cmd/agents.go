package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// agentsCmd represents the agents command
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agents",
	Long:  `Commands for inspecting registered agents in the marketplace.`,
}

// agentsListCmd represents the agents list command
var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Long:  `List every registered agent with its GPU, load and track record.`,
	RunE:  runAgentsList,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd)
}

type agentListing struct {
	Agents []struct {
		AgentID       string  `json:"agent_id"`
		GPUVendor     string  `json:"gpu_vendor"`
		GPUModel      string  `json:"gpu_model"`
		GPUMemory     int64   `json:"gpu_memory"`
		Healthy       bool    `json:"healthy"`
		JobsCompleted int     `json:"jobs_completed"`
		Reputation    float64 `json:"reputation"`
		AvgDuration   float64 `json:"avg_duration"`
		LoadPercent   float64 `json:"load_percent"`
	} `json:"agents"`
	Count int `json:"count"`
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	var listing agentListing
	if err := apiGet("/agents", &listing); err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(listing)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Agent", "GPU", "Memory", "Healthy", "Load", "Completed", "Reputation")
	for _, agent := range listing.Agents {
		table.Append(
			shortID(agent.AgentID),
			fmt.Sprintf("%s %s", agent.GPUVendor, agent.GPUModel),
			fmt.Sprintf("%.1fGB", float64(agent.GPUMemory)/1e9),
			fmt.Sprintf("%v", agent.Healthy),
			fmt.Sprintf("%.0f%%", agent.LoadPercent),
			fmt.Sprintf("%d", agent.JobsCompleted),
			fmt.Sprintf("%.3f", agent.Reputation),
		)
	}
	table.Render()
	fmt.Printf("\n%d agents\n", listing.Count)
	return nil
}

// shortID truncates a UUID for table display
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
