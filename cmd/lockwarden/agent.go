package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/lockwarden/internal/agents"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register [agent-id]",
	Short: "Register an agent with its capabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRegister,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show agent details",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [agent-id]",
	Short: "Record agent liveness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentAction(args[0], "heartbeat", nil)
	},
}

var agentErrorCmd = &cobra.Command{
	Use:   "error [agent-id]",
	Short: "Report an agent fault; its locks are reclaimed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentAction(args[0], "error", map[string]string{"reason": agentReason})
	},
}

var agentRecoverCmd = &cobra.Command{
	Use:   "recover [agent-id]",
	Short: "Clear an agent's error state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentAction(args[0], "recover", nil)
	},
}

var agentDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect locally installed coding agents",
	RunE:  runAgentDetect,
}

var (
	agentCaps     string
	agentReason   string
	agentRegister bool
)

func init() {
	agentCmd.AddCommand(agentRegisterCmd, agentListCmd, agentShowCmd,
		agentHeartbeatCmd, agentErrorCmd, agentRecoverCmd, agentDetectCmd)

	agentRegisterCmd.Flags().StringVar(&agentCaps, "caps", "", "Comma-separated capabilities (e.g. go,refactor)")
	agentErrorCmd.Flags().StringVar(&agentReason, "reason", "reported by cli", "Fault reason")
	agentDetectCmd.Flags().BoolVar(&agentRegister, "register", false, "Register every confirmed agent with the daemon")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	var a models.Agent
	err := apiPost("/agents", map[string]any{
		"agent_id":     args[0],
		"capabilities": splitList(agentCaps),
	}, &a)
	if err != nil {
		return err
	}
	return render(a, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Registered agent %s (%s)\n", a.ID, strings.Join(a.Capabilities, ","))
	})
}

func runAgentList(cmd *cobra.Command, args []string) error {
	var list []models.Agent
	if err := apiGet("/agents", &list); err != nil {
		return err
	}
	return render(list, func(w *tabwriter.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No agents registered")
			return
		}
		fmt.Fprintln(w, "AGENT\tSTATUS\tHELD\tWAITING\tTASK\tCAPABILITIES\tLAST SEEN")
		for _, a := range list {
			status := string(a.Status)
			if a.Inactive {
				status += " (inactive)"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				a.ID, status, len(a.HeldLocks), len(a.Waiting), orDash(truncateID(a.CurrentTask)),
				strings.Join(a.Capabilities, ","), ago(a.LastActivity))
		}
	})
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	var a models.Agent
	if err := apiGet("/agents/"+args[0], &a); err != nil {
		return err
	}
	return render(a, func(w *tabwriter.Writer) {
		printAgent(w, a)
	})
}

func printAgent(w *tabwriter.Writer, a models.Agent) {
	fmt.Fprintf(w, "Agent:\t%s\n", a.ID)
	fmt.Fprintf(w, "Status:\t%s\n", a.Status)
	fmt.Fprintf(w, "Inactive:\t%v\n", a.Inactive)
	if a.ErrorReason != "" {
		fmt.Fprintf(w, "Error:\t%s\n", a.ErrorReason)
	}
	fmt.Fprintf(w, "Capabilities:\t%s\n", orDash(strings.Join(a.Capabilities, ", ")))
	fmt.Fprintf(w, "Held locks:\t%s\n", orDash(strings.Join(a.HeldLocks, ", ")))
	fmt.Fprintf(w, "Waiting:\t%s\n", orDash(strings.Join(a.Waiting, ", ")))
	fmt.Fprintf(w, "Tasks:\t%s\n", orDash(strings.Join(a.Tasks, ", ")))
	fmt.Fprintf(w, "Registered:\t%s\n", a.RegisteredAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Last seen:\t%s ago\n", ago(a.LastActivity))
}

func agentAction(id, action string, body any) error {
	var a models.Agent
	if err := apiPost("/agents/"+id+"/"+action, body, &a); err != nil {
		return err
	}
	return render(a, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Agent %s: %s\n", a.ID, a.Status)
	})
}

func runAgentDetect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	found := agents.NewScanner().Scan(ctx)

	var registered []string
	if agentRegister {
		for _, c := range found {
			if !c.Confirmed {
				continue
			}
			err := apiPost("/agents", map[string]any{
				"agent_id":     c.ID,
				"capabilities": c.Capabilities,
			}, nil)
			if err != nil {
				return fmt.Errorf("register %s: %w", c.ID, err)
			}
			registered = append(registered, c.ID)
		}
	}

	return render(found, func(w *tabwriter.Writer) {
		if len(found) == 0 {
			fmt.Fprintln(w, "No coding agents detected")
			return
		}
		fmt.Fprintln(w, "AGENT\tNAME\tVERSION\tCONFIRMED\tPATH")
		for _, c := range found {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", c.ID, c.Name, orDash(c.Version), c.Confirmed, orDash(c.Path))
		}
		if len(registered) > 0 {
			fmt.Fprintf(w, "\nRegistered: %s\n", strings.Join(registered, ", "))
		}
	})
}
