package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexusd",
	Short: "Nexus - clustered coordination daemon for agent meshes",
	Long: `Nexusd runs one node of a Nexus agent mesh. Nodes coordinate
through a shared Redis broker: they elect a primary, distribute tasks
over priority streams, share working memory and watch each other's
health. A single node with clustering disabled degrades to local-only
operation.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nexus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running node's cluster status",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://%s/v1/status", addr))
		if err != nil {
			return fmt.Errorf("node unreachable at %s: %w", addr, err)
		}
		defer resp.Body.Close()

		var status map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("invalid status response: %w", err)
		}

		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "localhost:9400", "Ops address of the node to query")
}
