package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/gantry-ai/gantry/pkg/scheduling"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var formatJson bool
	c := &cobra.Command{
		Use:   "status",
		Short: "Show gateway memory and residency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status scheduling.Status
			cl := newClient(flagAddr, flagAPIKey)
			if err := cl.do(cmd.Context(), http.MethodGet, scheduling.InternalPrefix+"/status", nil, &status); err != nil {
				return err
			}
			if formatJson {
				return printJSON(cmd, status)
			}
			if status.Healthy {
				cmd.Println("gantry is healthy")
			} else {
				cmd.Println("gantry is degraded")
			}
			cmd.Printf("VRAM: %.1f/%.1f GB used (%.0f%%)\n",
				status.Memory.UsedGB, status.Memory.TotalGB, status.Memory.UsagePct)
			cmd.Printf("Loaded models: %d\n", len(status.LoadedModels))
			for _, entry := range status.LoadedModels {
				line := fmt.Sprintf("  %s (%s, %.1f GB, %s)", entry.ModelID, entry.Backend, entry.VRAMGB, entry.PriorityName)
				if history, ok := status.Crashes[entry.ModelID]; ok {
					line += fmt.Sprintf(" [%d crashes]", history.Count)
				}
				cmd.Println(line)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&formatJson, "json", false, "Format output in JSON")
	return c
}

func newModelsCmd() *cobra.Command {
	var formatJson bool
	c := &cobra.Command{
		Use:   "models",
		Short: "List resident models in least-recently-used order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var models scheduling.ModelsResponse
			cl := newClient(flagAddr, flagAPIKey)
			if err := cl.do(cmd.Context(), http.MethodGet, scheduling.InternalPrefix+"/models", nil, &models); err != nil {
				return err
			}
			if formatJson {
				return printJSON(cmd, models)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tBACKEND\tVRAM\tPRIORITY\tLAST ACCESSED")
			for _, entry := range models.Models {
				fmt.Fprintf(w, "%s\t%s\t%.1f GB\t%s\t%s\n",
					entry.ModelID, entry.Backend, entry.VRAMGB, entry.PriorityName,
					entry.LastAccessed.Format("15:04:05"))
			}
			return w.Flush()
		},
	}
	c.Flags().BoolVar(&formatJson, "json", false, "Format output in JSON")
	return c
}

func newAvailableModelsCmd() *cobra.Command {
	var formatJson bool
	c := &cobra.Command{
		Use:   "available-models",
		Short: "List every model the active profile can serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			var available scheduling.AvailableModelsResponse
			cl := newClient(flagAddr, flagAPIKey)
			if err := cl.do(cmd.Context(), http.MethodGet, scheduling.InternalPrefix+"/available-models", nil, &available); err != nil {
				return err
			}
			if formatJson {
				return printJSON(cmd, available)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tENGINE\tVRAM\tPRIORITY\tSTATE")
			for _, model := range available.Models {
				state := "cold"
				if model.Loaded {
					state = "loaded"
				}
				if model.Degraded {
					state += ", degraded"
				}
				fmt.Fprintf(w, "%s\t%s\t%.1f GB\t%s\t%s\n",
					model.ModelID, model.Engine, model.VRAMGB, model.Priority, state)
			}
			return w.Flush()
		},
	}
	c.Flags().BoolVar(&formatJson, "json", false, "Format output in JSON")
	return c
}

func newLoadCmd() *cobra.Command {
	var (
		formatJson  bool
		temperature float64
		extraArgs   string
	)
	c := &cobra.Command{
		Use:   "load MODEL",
		Short: "Load a model, evicting lower-priority residents if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := scheduling.LoadRequest{ModelID: args[0], AdditionalArgs: extraArgs}
			if cmd.Flags().Changed("temperature") {
				request.Temperature = &temperature
			}
			var loaded scheduling.LoadResponse
			cl := newClient(flagAddr, flagAPIKey)
			if err := cl.do(cmd.Context(), http.MethodPost, scheduling.InternalPrefix+"/load", request, &loaded); err != nil {
				return err
			}
			if formatJson {
				return printJSON(cmd, loaded)
			}
			cmd.Printf("%s: %s\n", loaded.ModelID, loaded.Status)
			if loaded.Message != "" {
				cmd.Println(loaded.Message)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&formatJson, "json", false, "Format output in JSON")
	c.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature override")
	c.Flags().StringVar(&extraArgs, "args", "", "Additional engine arguments")
	return c
}

func newUnloadCmd() *cobra.Command {
	var (
		formatJson bool
		crashed    bool
	)
	c := &cobra.Command{
		Use:   "unload MODEL",
		Short: "Unload a resident model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := scheduling.UnloadRequest{ModelID: args[0], Crashed: crashed}
			var unloaded scheduling.UnloadResponse
			cl := newClient(flagAddr, flagAPIKey)
			if err := cl.do(cmd.Context(), http.MethodPost, scheduling.InternalPrefix+"/unload", request, &unloaded); err != nil {
				return err
			}
			if formatJson {
				return printJSON(cmd, unloaded)
			}
			cmd.Printf("%s: %s\n", args[0], unloaded.Status)
			return nil
		},
	}
	c.Flags().BoolVar(&formatJson, "json", false, "Format output in JSON")
	c.Flags().BoolVar(&crashed, "crashed", false, "Record the unload as an engine crash")
	return c
}

func newEvictCmd() *cobra.Command {
	var formatJson bool
	c := &cobra.Command{
		Use:   "evict PRIORITY",
		Short: "Evict the least-recently-used model below the given priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := scheduling.EvictRequest{Priority: args[0]}
			var evicted scheduling.EvictResponse
			cl := newClient(flagAddr, flagAPIKey)
			if err := cl.do(cmd.Context(), http.MethodPost, scheduling.InternalPrefix+"/evict", request, &evicted); err != nil {
				return err
			}
			if formatJson {
				return printJSON(cmd, evicted)
			}
			if evicted.Evicted {
				cmd.Printf("evicted %s\n", evicted.ModelID)
			} else {
				cmd.Printf("nothing evicted: %s\n", evicted.Reason)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&formatJson, "json", false, "Format output in JSON")
	return c
}

func newMetricsCmd() *cobra.Command {
	var (
		formatJson bool
		window     string
		bucket     string
	)
	c := &cobra.Command{
		Use:   "metrics NAME",
		Short: "Show bucketed aggregates for a time series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			query.Set("name", args[0])
			query.Set("window", window)
			query.Set("bucket", bucket)
			var series scheduling.MetricsResponse
			cl := newClient(flagAddr, flagAPIKey)
			if err := cl.do(cmd.Context(), http.MethodGet, scheduling.InternalPrefix+"/metrics?"+query.Encode(), nil, &series); err != nil {
				return err
			}
			if formatJson {
				return printJSON(cmd, series)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "START\tCOUNT\tMIN\tMAX\tAVG\tP95\tP99")
			for _, b := range series.Buckets {
				fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
					b.Start.Format("15:04:05"), b.Count, b.Min, b.Max, b.Avg, b.P95, b.P99)
			}
			return w.Flush()
		},
	}
	c.Flags().BoolVar(&formatJson, "json", false, "Format output in JSON")
	c.Flags().StringVar(&window, "window", "1h", "Lookback window")
	c.Flags().StringVar(&bucket, "bucket", "1m", "Bucket width")
	return c
}
