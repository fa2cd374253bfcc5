// Package main implements gantryctl, the admin CLI for a running gantry
// gateway. It drives the control-plane API the gateway exposes under
// /internal/vram.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagAddr   string
	flagAPIKey string
)

func main() {
	root := &cobra.Command{
		Use:           "gantryctl",
		Short:         "Administer a running gantry gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", envOr("GANTRY_ADDR", "http://localhost:8080"),
		"Base URL of the gantry gateway")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", os.Getenv("GANTRY_INTERNAL_API_KEY"),
		"Control-plane API key")

	root.AddCommand(
		newStatusCmd(),
		newModelsCmd(),
		newAvailableModelsCmd(),
		newLoadCmd(),
		newUnloadCmd(),
		newEvictCmd(),
		newMetricsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
