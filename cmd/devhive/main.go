// Package main implements the devhive CLI for manual operations against the
// devhived HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	devhttp "github.com/fyrsmithlabs/devhive/internal/http"
	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

var (
	// serverURL is the base URL for the devhived HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devhive",
	Short: "CLI for devhived server operations",
	Long: `devhive is a command-line interface for the devhived task orchestration daemon.
It submits issues as tasks, inspects their progress, and drives the approval workflow.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8420", "devhived server URL")
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(policiesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

var createCmd = &cobra.Command{
	Use:   "create <issue-ref>",
	Short: "Submit an issue as a new task",
	Long: `Submit a GitHub issue reference as a new task.

Examples:
  # Queue an issue
  devhive create myorg/myrepo#123

  # Use a different server
  devhive create --server http://localhost:9000 myorg/myrepo#123`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var getCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task and its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks, optionally filtered by state.

Examples:
  # All tasks
  devhive list

  # Only tasks waiting for a human
  devhive list --state awaiting_approval`,
	RunE: runList,
}

var (
	listState string
	listLimit int
)

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "filter by state (pending, in_progress, awaiting_approval, completed, failed, cancelled)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of tasks to return")
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Retry a failed task at the stage that failed",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runCommand(args[0], "retry") },
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runCommand(args[0], "cancel") },
}

var approveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a task that is awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runCommand(args[0], "approve") },
}

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Show the active policy rules",
	RunE:  runPolicies,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate task statistics",
	RunE:  runStats,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check devhived server health",
	RunE:  runHealth,
}

func runCreate(cmd *cobra.Command, args []string) error {
	var created task.Task
	err := doJSON(http.MethodPost, "/api/v1/tasks",
		devhttp.CreateTaskRequest{IssueRef: args[0]}, &created)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s created for %s (%s)\n", created.ID, created.IssueRef, created.State)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	var detail devhttp.TaskDetail
	if err := doJSON(http.MethodGet, "/api/v1/tasks/"+args[0], nil, &detail); err != nil {
		return err
	}

	t := detail.Task
	fmt.Printf("Task:      %s\n", t.ID)
	fmt.Printf("Issue:     %s\n", t.IssueRef)
	fmt.Printf("State:     %s\n", t.State)
	fmt.Printf("Stage:     %s\n", t.CurrentStage)
	fmt.Printf("Cost:      $%.4f (%d tokens)\n", t.Cost.USD, t.Cost.TotalTokens)
	if t.TerminalReason != nil {
		fmt.Printf("Failed at: %s (%s) %s\n",
			t.TerminalReason.Stage, t.TerminalReason.Kind, t.TerminalReason.Message)
	}
	for _, w := range t.Warnings {
		fmt.Printf("Warning:   [%s] %s: %s\n", w.Stage, w.Rule, w.Message)
	}

	if len(detail.Attempts) > 0 {
		fmt.Println("\nAttempts:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  STAGE\t#\tOUTCOME\tTOKENS\tERROR")
		for _, a := range detail.Attempts {
			fmt.Fprintf(w, "  %s\t%d\t%s\t%d\t%s\n",
				a.Stage, a.AttemptNumber, a.Outcome, a.Cost.TotalTokens, a.Error)
		}
		w.Flush()
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/tasks"
	sep := "?"
	if listState != "" {
		path += sep + "state=" + listState
		sep = "&"
	}
	if listLimit > 0 {
		path += fmt.Sprintf("%slimit=%d", sep, listLimit)
	}

	var tasks []task.Task
	if err := doJSON(http.MethodGet, path, nil, &tasks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tISSUE\tSTATE\tSTAGE\tCOST")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n",
			t.ID, t.IssueRef, t.State, t.CurrentStage, t.Cost.USD)
	}
	return w.Flush()
}

func runCommand(id, action string) error {
	var t task.Task
	if err := doJSON(http.MethodPost, "/api/v1/tasks/"+id+"/"+action, nil, &t); err != nil {
		return err
	}
	fmt.Printf("Task %s is now %s (stage %s)\n", t.ID, t.State, t.CurrentStage)
	return nil
}

func runPolicies(cmd *cobra.Command, args []string) error {
	var cfg policy.Config
	if err := doJSON(http.MethodGet, "/api/v1/policies", nil, &cfg); err != nil {
		return err
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats ledger.Stats
	if err := doJSON(http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return err
	}
	fmt.Printf("Total tasks:   %d\n", stats.TotalTasks)
	for state, n := range stats.CountsByState {
		fmt.Printf("  %-18s %d\n", state+":", n)
	}
	fmt.Printf("Total tokens:  %d\n", stats.TotalTokens)
	fmt.Printf("Total spend:   $%.4f\n", stats.TotalUSD)
	fmt.Printf("Success rate:  %.1f%%\n", stats.SuccessRate*100)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp devhttp.HealthResponse
	if err := doJSON(http.MethodGet, "/health", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to reach %s: %v\n", serverURL, err)
		return err
	}
	fmt.Printf("Server Status: %s\n", resp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// doJSON sends one request and decodes the JSON response into out.
func doJSON(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", serverURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
