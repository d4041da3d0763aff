package main

import (
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/lockwarden/internal/models"
	"github.com/spf13/cobra"
)

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect and resolve conflicts",
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List detected conflicts",
	RunE:  runConflictList,
}

var conflictShowCmd = &cobra.Command{
	Use:   "show [conflict-id]",
	Short: "Show conflict details",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictShow,
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id] [grant|abort|dismiss]",
	Short: "Resolve a conflict",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictResolve,
}

var (
	conflictOpen  bool
	conflictType  string
	conflictAgent string
	conflictNote  string
)

func init() {
	conflictCmd.AddCommand(conflictListCmd, conflictShowCmd, conflictResolveCmd)

	conflictListCmd.Flags().BoolVar(&conflictOpen, "open", false, "Only unresolved conflicts")
	conflictListCmd.Flags().StringVar(&conflictType, "type", "", "Filter by type: resource-overlap, dependency-cycle, stale-lock")
	conflictListCmd.Flags().StringVar(&conflictAgent, "agent", "", "Filter by involved agent")
	conflictResolveCmd.Flags().StringVar(&conflictNote, "note", "", "Resolution note")
}

func runConflictList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if conflictOpen {
		q.Set("open", "true")
	}
	if conflictType != "" {
		q.Set("type", conflictType)
	}
	if conflictAgent != "" {
		q.Set("agent", conflictAgent)
	}
	path := "/conflicts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list []models.Conflict
	if err := apiGet(path, &list); err != nil {
		return err
	}
	return render(list, func(w *tabwriter.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No conflicts")
			return
		}
		fmt.Fprintln(w, "ID\tTYPE\tSEVERITY\tAGENTS\tRESOLVED\tDETECTED")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s ago\n",
				truncateID(c.ID), c.Type, c.Severity, strings.Join(c.AgentsInvolved, ","), c.Resolved, ago(c.DetectedAt))
		}
	})
}

func runConflictShow(cmd *cobra.Command, args []string) error {
	var c models.Conflict
	if err := apiGet("/conflicts/"+args[0], &c); err != nil {
		return err
	}
	return render(c, func(w *tabwriter.Writer) {
		printConflict(w, c)
	})
}

func printConflict(w *tabwriter.Writer, c models.Conflict) {
	fmt.Fprintf(w, "Conflict:\t%s\n", c.ID)
	fmt.Fprintf(w, "Type:\t%s\n", c.Type)
	fmt.Fprintf(w, "Severity:\t%s\n", c.Severity)
	fmt.Fprintf(w, "Agents:\t%s\n", strings.Join(c.AgentsInvolved, ", "))
	fmt.Fprintf(w, "Resources:\t%s\n", strings.Join(c.Resources, ", "))
	fmt.Fprintf(w, "Strategy:\t%s\n", orDash(string(c.Strategy)))
	fmt.Fprintf(w, "Suggested:\t%s\n", c.SuggestedResolution)
	fmt.Fprintf(w, "Detected:\t%s\n", c.DetectedAt.Local().Format(time.DateTime))
	if c.Escalated {
		fmt.Fprintln(w, "Escalated:\ttrue")
	}
	if c.Resolved {
		fmt.Fprintf(w, "Resolution:\t%s\n", c.Resolution)
	}
}

func runConflictResolve(cmd *cobra.Command, args []string) error {
	var c models.Conflict
	err := apiPost("/conflicts/"+args[0]+"/resolve", map[string]string{
		"decision": args[1],
		"note":     conflictNote,
	}, &c)
	if err != nil {
		return err
	}
	return render(c, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Conflict %s resolved: %s\n", c.ID, c.Resolution)
	})
}
