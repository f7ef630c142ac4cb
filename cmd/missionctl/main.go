// Package main implements the missionctl CLI for operating missiond.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/helioslabs/missiond/internal/pipeline"
	"github.com/helioslabs/missiond/internal/session"
)

var (
	// serverURL is the base URL for the missiond HTTP server
	serverURL string
	// actor identifies the operator in checkpoint decisions
	actor string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "missionctl",
	Short: "CLI for operating the missiond daemon",
	Long: `missionctl submits research missions to a running missiond daemon and
inspects, approves, and exports the resulting sessions.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8790", "missiond server URL")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "operator", "actor recorded on checkpoint decisions")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(healthCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit [manifest]",
	Short: "Submit a mission manifest",
	Long: `Submit a YAML mission manifest to the daemon and print the session ID.

Examples:
  # Submit a manifest file
  missionctl submit mission.yaml

  # Submit from stdin
  cat mission.yaml | missionctl submit -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show one session's status, stages, and spend",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var approveCmd = &cobra.Command{
	Use:   "approve <session-id> <stage>",
	Short: "Approve a pending checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveCheckpoint(args[0], args[1], "approve", "")
	},
}

var rejectComment string

var rejectCmd = &cobra.Command{
	Use:   "reject <session-id> <stage>",
	Short: "Reject a pending checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveCheckpoint(args[0], args[1], "reject", rejectComment)
	},
}

var abortReason string

var abortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Request cooperative cancellation of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbort,
}

var exportCmd = &cobra.Command{
	Use:   "export <session-id> <destination>",
	Short: "Export a session's replication bundle",
	Long: `Export a session's mission, ledger, artifacts, and manifest to a
directory on the daemon host for independent replication.`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

var replayCmd = &cobra.Command{
	Use:   "replay <ledger-file>",
	Short: "Verify and summarize a persisted ledger file",
	Long: `Replay a ledger.jsonl file offline, verifying its hash chain and
sequencing, and print a summary of the session it records.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check missiond server health",
	RunE:  runHealth,
}

func init() {
	rejectCmd.Flags().StringVar(&rejectComment, "comment", "", "reason for the rejection")
	abortCmd.Flags().StringVar(&abortReason, "reason", "operator request", "reason recorded for the abort")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var manifest []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		manifest, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		manifest, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if len(manifest) == 0 {
		return fmt.Errorf("no manifest to submit")
	}

	resp, err := post("/api/v1/missions", manifest, "application/yaml")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}

	var out struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Session %s launched (%s)\n", out.SessionID, out.Status)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	var snaps []session.Snapshot
	if err := getJSON("/api/v1/sessions", &snaps); err != nil {
		return err
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tSTAGE\tSPEND\tOBJECTIVE")
	for _, s := range snaps {
		objective := s.Mission.Objective
		if len(objective) > 48 {
			objective = objective[:45] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Stage, s.Spend, objective)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	var snap session.Snapshot
	if err := getJSON("/api/v1/sessions/"+args[0], &snap); err != nil {
		return err
	}

	fmt.Printf("Session:   %s\n", snap.ID)
	fmt.Printf("Objective: %s\n", snap.Mission.Objective)
	fmt.Printf("Mode:      %s\n", snap.Mission.Mode)
	fmt.Printf("Status:    %s", snap.Status)
	if snap.Reason != "" {
		fmt.Printf(" (%s)", snap.Reason)
	}
	fmt.Println()
	fmt.Printf("Spend:     %s\n", snap.Spend)
	fmt.Printf("Ledger:    %d entries\n", snap.LedgerLen)
	fmt.Printf("Artifacts: %d\n", len(snap.Artifacts))

	if len(snap.Results) > 0 {
		fmt.Println("\nStages:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, r := range snap.Results {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", r.Stage, r.Status, r.Summary)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func resolveCheckpoint(id, stage, verb, comment string) error {
	body, err := json.Marshal(map[string]string{"actor": actor, "comment": comment})
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/api/v1/sessions/%s/checkpoints/%s/%s", id, stage, verb)
	resp, err := post(path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}

	fmt.Printf("Checkpoint %s/%s %sd\n", id, stage, verb)
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"reason": abortReason})
	if err != nil {
		return err
	}

	resp, err := post("/api/v1/sessions/"+args[0]+"/abort", body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}

	fmt.Printf("Abort requested for %s\n", args[0])
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"destination": args[1]})
	if err != nil {
		return err
	}

	resp, err := post("/api/v1/sessions/"+args[0]+"/export", body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}

	fmt.Printf("Exported %s to %s\n", args[0], args[1])
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	report, err := pipeline.ReplayFile(args[0])
	if err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}

	fmt.Printf("Session:  %s\n", report.SessionID)
	fmt.Printf("Entries:  %d\n", report.Entries)
	fmt.Printf("Stages:   %s\n", strings.Join(report.Stages, ", "))
	if len(report.Providers) > 0 {
		fmt.Println("Providers:")
		names := make([]string, 0, len(report.Providers))
		for name := range report.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %d calls\n", name, report.Providers[name])
		}
	}
	if len(report.Checkpoints) > 0 {
		fmt.Printf("Checkpoints: %s\n", strings.Join(report.Checkpoints, ", "))
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	var out struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := getJSON("/health", &out); err != nil {
		return err
	}
	fmt.Printf("Server Status: %s\n", out.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func post(path string, body []byte, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", serverURL+path, err)
	}
	return resp, nil
}

func getJSON(path string, out any) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
