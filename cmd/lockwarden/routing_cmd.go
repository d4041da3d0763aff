package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/lockwarden/internal/config"
	"github.com/fentz26/lockwarden/internal/controlplane"
	"github.com/fentz26/lockwarden/internal/routing"
	"github.com/spf13/cobra"
)

var routingCmd = &cobra.Command{
	Use:   "routing",
	Short: "Inspect capability inference rules",
}

var routingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the daemon's active rules and conflict strategies",
	RunE:  runRoutingShow,
}

var routingInferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Dry-run capability inference for a task",
	RunE:  runRoutingInfer,
}

var routingInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default rules file",
	RunE:  runRoutingInit,
}

var (
	inferType      string
	inferDesc      string
	inferResources string
	routingForce   bool
)

func init() {
	routingCmd.AddCommand(routingShowCmd, routingInferCmd, routingInitCmd)

	routingInferCmd.Flags().StringVar(&inferType, "type", "", "Task type")
	routingInferCmd.Flags().StringVar(&inferDesc, "desc", "", "Task description")
	routingInferCmd.Flags().StringVar(&inferResources, "resources", "", "Comma-separated resources")
	routingInitCmd.Flags().BoolVar(&routingForce, "force", false, "Overwrite an existing file")
}

func runRoutingShow(cmd *cobra.Command, args []string) error {
	var resp controlplane.RoutingResponse
	if err := apiGet("/routing", &resp); err != nil {
		return err
	}
	return render(resp, func(w *tabwriter.Writer) {
		cfg := resp.Config
		fmt.Fprintf(w, "Strategies:\t%s\n", strings.Join(resp.Strategies, ", "))
		if cfg == nil {
			return
		}
		fmt.Fprintf(w, "Enabled:\t%v\n", cfg.Enabled)
		fmt.Fprintf(w, "Max capabilities:\t%d\n", cfg.MaxCapabilities)
		fmt.Fprintf(w, "Always on:\t%s\n", orDash(strings.Join(cfg.AlwaysOn, ", ")))
		fmt.Fprintf(w, "Always off:\t%s\n", orDash(strings.Join(cfg.AlwaysOff, ", ")))

		tags := make([]string, 0, len(cfg.Priority))
		for tag := range cfg.Priority {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return cfg.Priority[tags[i]] > cfg.Priority[tags[j]] })
		fmt.Fprintln(w, "\nPRIORITY\tTAG")
		for _, tag := range tags {
			fmt.Fprintf(w, "%d\t%s\n", cfg.Priority[tag], tag)
		}

		fmt.Fprintln(w, "\nMATCH\tENABLES")
		for _, r := range cfg.Rules {
			var match []string
			if len(r.Keywords) > 0 {
				match = append(match, "keywords="+strings.Join(r.Keywords, ","))
			}
			if len(r.Extensions) > 0 {
				match = append(match, "ext="+strings.Join(r.Extensions, ","))
			}
			if r.Pattern != "" {
				match = append(match, "pattern="+r.Pattern)
			}
			fmt.Fprintf(w, "%s\t%s\n", strings.Join(match, " "), strings.Join(r.Enable, ","))
		}
	})
}

func runRoutingInfer(cmd *cobra.Command, args []string) error {
	var res routing.Result
	err := apiPost("/routing/infer", routing.Task{
		TaskType:    inferType,
		Description: inferDesc,
		Resources:   splitList(inferResources),
	}, &res)
	if err != nil {
		return err
	}
	return render(res, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Capabilities:\t%s\n", orDash(strings.Join(res.Capabilities, ", ")))
		fmt.Fprintf(w, "Matched rules:\t%s\n", orDash(strings.Join(res.MatchedRules, ", ")))
		if len(res.Trimmed) > 0 {
			fmt.Fprintf(w, "Trimmed:\t%s\n", strings.Join(res.Trimmed, ", "))
		}
	})
}

func runRoutingInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	path := cfg.Routing.RulesFile
	if path == "" {
		return fmt.Errorf("routing.rules_file is not set")
	}
	if _, err := os.Stat(path); err == nil && !routingForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := routing.SaveConfig(path, routing.DefaultConfig()); err != nil {
		return err
	}
	printf("Wrote default rules to %s\n", path)
	return nil
}
