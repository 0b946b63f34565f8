package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show marketplace statistics",
	Long:  `Show aggregate counters for agents, jobs, payments and the queue.`,
	RunE:  runStats,
}

// lbCmd represents the load-balancer command
var lbCmd = &cobra.Command{
	Use:   "load-balancer",
	Short: "Show the scheduler snapshot",
	Long:  `Show the full load-balancer view: per-agent load, scores and scheduler counters.`,
	RunE:  runLoadBalancer,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(lbCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats map[string]interface{}
	if err := apiGet("/admin/stats", &stats); err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(stats)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Section", "Field", "Value")
	for _, section := range []string{"agents", "jobs", "payments", "queue"} {
		fields, ok := stats[section].(map[string]interface{})
		if !ok {
			continue
		}
		for field, value := range fields {
			table.Append(section, field, fmt.Sprintf("%v", value))
		}
	}
	table.Render()
	return nil
}

func runLoadBalancer(cmd *cobra.Command, args []string) error {
	var snapshot map[string]interface{}
	if err := apiGet("/admin/load-balancer", &snapshot); err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(snapshot)
		return nil
	}

	fmt.Printf("Agents: %v healthy / %v total, load %v/%v (%.1f%% utilization), %v queued\n",
		snapshot["healthy_agents"], snapshot["total_agents"],
		snapshot["current_load"], snapshot["total_capacity"],
		toFloat(snapshot["utilization"]), snapshot["queued_jobs"])

	agents, ok := snapshot["agents"].([]interface{})
	if !ok || len(agents) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Agent", "Load", "Completed", "Failed", "Success", "Avg Time", "Score", "Healthy")
	for _, row := range agents {
		agent, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		table.Append(
			shortID(fmt.Sprintf("%v", agent["agent_id"])),
			fmt.Sprintf("%v/%v", agent["current_jobs"], agent["max_jobs"]),
			fmt.Sprintf("%v", agent["total_completed"]),
			fmt.Sprintf("%v", agent["total_failed"]),
			fmt.Sprintf("%.1f%%", toFloat(agent["success_rate"])),
			fmt.Sprintf("%.1fs", toFloat(agent["avg_time"])),
			fmt.Sprintf("%.3f", toFloat(agent["score"])),
			fmt.Sprintf("%v", agent["is_healthy"]),
		)
	}
	table.Render()
	return nil
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
