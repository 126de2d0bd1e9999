package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// =============================================================================
// Status Command Helpers
// =============================================================================

// printSystemStatus prints the system status, fetched from the running
// server's /api/status endpoint.
func printSystemStatus(ctx context.Context, out io.Writer, jsonOutput bool, configPath, serverAddr, token, apiKey string) error {
	baseURL, err := resolveHTTPBaseURL(configPath, serverAddr)
	if err != nil {
		return err
	}
	client := newAPIClient(baseURL, token, apiKey)

	var status systemStatus
	if err := client.getJSON(ctx, "/api/status", &status); err != nil {
		return err
	}

	if jsonOutput {
		payload := struct {
			Version string       `json:"version"`
			Commit  string       `json:"commit"`
			Build   string       `json:"build"`
			System  systemStatus `json:"system"`
		}{
			Version: version,
			Commit:  commit,
			Build:   date,
			System:  status,
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Fprintln(out, "NEXUS STATUS")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Version: %s (commit: %s)\n", version, commit)
	fmt.Fprintf(out, "Built: %s\n", date)
	fmt.Fprintf(out, "Uptime: %s\n", status.UptimeString)
	fmt.Fprintf(out, "Go: %s | Goroutines: %d | CPU: %d\n", status.GoVersion, status.NumGoroutines, status.NumCPU)
	fmt.Fprintf(out, "Memory: %.2f MB alloc / %.2f MB sys\n", status.MemAllocMB, status.MemSysMB)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Database")
	if status.DatabaseStatus == "" {
		fmt.Fprintln(out, "   Status: unknown")
	} else {
		fmt.Fprintf(out, "   Status: %s\n", status.DatabaseStatus)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Providers")
	if len(status.Providers) == 0 {
		fmt.Fprintln(out, "   No providers registered.")
	} else {
		for _, p := range status.Providers {
			fmt.Fprintf(out, "   %s: %s\n", p.Name, p.Status)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Tools")
	fmt.Fprintf(out, "   %d registered\n", status.ToolCount)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Sessions")
	fmt.Fprintf(out, "   %d active\n", status.SessionCount)

	return nil
}
