package main

import (
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/lockwarden/internal/controlplane"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Request, release and inspect resource locks",
}

var lockRequestCmd = &cobra.Command{
	Use:   "request [resource]",
	Short: "Request a lock (file:<path>, file:<path>#L10-20, func:<path>#Name, semantic:<name>)",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRequest,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release [lock-id]",
	Short: "Release a held lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRelease,
}

var lockRenewCmd = &cobra.Command{
	Use:   "renew [lock-id]",
	Short: "Extend a held lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRenew,
}

var lockCancelCmd = &cobra.Command{
	Use:   "cancel [lock-id]",
	Short: "Withdraw a waiting request",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockCancel,
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locks",
	RunE:  runLockList,
}

var lockShowCmd = &cobra.Command{
	Use:   "show [lock-id]",
	Short: "Show lock details",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockShow,
}

var lockQueueCmd = &cobra.Command{
	Use:   "queue [resource]",
	Short: "Show the promotion order of waiters on a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockQueue,
}

var (
	lockAgent    string
	lockLevel    string
	lockPriority int
	lockTTL      time.Duration
	lockWait     time.Duration
	lockIntent   string
	lockStrategy string
	lockTask     string
	lockMeta     []string
	lockPreempt  bool
	lockExtra    time.Duration
	lockAll      bool
	lockStatus   string
	lockResource string
)

func init() {
	lockCmd.AddCommand(lockRequestCmd, lockReleaseCmd, lockRenewCmd, lockCancelCmd,
		lockListCmd, lockShowCmd, lockQueueCmd)

	for _, c := range []*cobra.Command{lockRequestCmd, lockReleaseCmd, lockRenewCmd, lockCancelCmd} {
		c.Flags().StringVar(&lockAgent, "agent", "", "Agent ID (required)")
		c.MarkFlagRequired("agent")
	}

	lockRequestCmd.Flags().StringVar(&lockLevel, "level", "write", "Lock level: read, write, exclusive")
	lockRequestCmd.Flags().IntVar(&lockPriority, "priority", 0, "Priority; higher is promoted first")
	lockRequestCmd.Flags().DurationVar(&lockTTL, "ttl", 0, "Lease duration (default from daemon config)")
	lockRequestCmd.Flags().DurationVar(&lockWait, "wait-timeout", 0, "Give up waiting after this long")
	lockRequestCmd.Flags().StringVar(&lockIntent, "intent", "", "What the agent intends to do")
	lockRequestCmd.Flags().StringVar(&lockStrategy, "strategy", "", "Conflict strategy: wait, merge, abort, negotiate")
	lockRequestCmd.Flags().StringVar(&lockTask, "task", "", "Task the lock belongs to")
	lockRequestCmd.Flags().StringArrayVar(&lockMeta, "meta", nil, "Metadata key=value (repeatable)")
	lockRequestCmd.Flags().BoolVar(&lockPreempt, "preempt", false, "Jump ahead of lower-priority waiters")

	lockRenewCmd.Flags().DurationVar(&lockExtra, "extra", 0, "Extension (default: the lock's TTL)")

	lockListCmd.Flags().StringVar(&lockAgent, "agent", "", "Filter by agent")
	lockListCmd.Flags().StringVar(&lockResource, "resource", "", "Filter by overlapping resource")
	lockListCmd.Flags().StringVar(&lockTask, "task", "", "Filter by task")
	lockListCmd.Flags().StringVar(&lockStatus, "status", "", "Filter by status: active, waiting, expired, released")
	lockListCmd.Flags().BoolVar(&lockAll, "all", false, "Include ended locks")
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, val, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", p)
		}
		out[k] = val
	}
	return out, nil
}

func runLockRequest(cmd *cobra.Command, args []string) error {
	meta, err := parseMeta(lockMeta)
	if err != nil {
		return err
	}
	var res locks.Result
	err = apiPost("/locks", map[string]any{
		"agent_id":          lockAgent,
		"resource_id":       args[0],
		"lock_level":        lockLevel,
		"priority":          lockPriority,
		"intent":            lockIntent,
		"ttl_sec":           int(lockTTL.Seconds()),
		"conflict_strategy": lockStrategy,
		"task_id":           lockTask,
		"metadata":          meta,
		"wait_timeout_sec":  int(lockWait.Seconds()),
		"preempt":           lockPreempt,
	}, &res)
	if err != nil {
		return err
	}
	return render(res, func(w *tabwriter.Writer) {
		l := res.Lock
		switch res.Outcome {
		case locks.OutcomeGranted:
			fmt.Fprintf(w, "%s %s on %s (expires in %s)\n", indicator(l.Indicator()), l.ID, l.ResourceID, until(l.ExpiresAt))
		case locks.OutcomeQueued:
			fmt.Fprintf(w, "%s %s on %s\n", indicator(l.Indicator()), l.ID, l.ResourceID)
			for _, b := range res.Blockers {
				fmt.Fprintf(w, "  behind\t%s\t%s\t%s\n", b.AgentID, b.LockLevel, truncateID(b.ID))
			}
		default:
			fmt.Fprintf(w, "Denied: %s\n", res.Reason)
		}
		if res.ConflictID != "" {
			fmt.Fprintf(w, "Conflict: %s\n", res.ConflictID)
		}
	})
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	var res locks.ReleaseResult
	if err := apiPost("/locks/"+args[0]+"/release", map[string]any{"agent_id": lockAgent}, &res); err != nil {
		return err
	}
	return render(res, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Released %s on %s\n", res.Lock.ID, res.Lock.ResourceID)
		for _, p := range res.Promoted {
			fmt.Fprintf(w, "  promoted\t%s\t%s\n", p.AgentID, p.ID)
		}
	})
}

func runLockRenew(cmd *cobra.Command, args []string) error {
	var l models.Lock
	err := apiPost("/locks/"+args[0]+"/renew", map[string]any{
		"agent_id":  lockAgent,
		"extra_sec": int(lockExtra.Seconds()),
	}, &l)
	if err != nil {
		return err
	}
	return render(l, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Renewed %s, expires in %s\n", l.ID, until(l.ExpiresAt))
	})
}

func runLockCancel(cmd *cobra.Command, args []string) error {
	var l models.Lock
	if err := apiPost("/locks/"+args[0]+"/cancel", map[string]any{"agent_id": lockAgent}, &l); err != nil {
		return err
	}
	return render(l, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Cancelled %s\n", l.ID)
	})
}

func runLockList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	for k, val := range map[string]string{"agent": lockAgent, "resource": lockResource, "task": lockTask, "status": lockStatus} {
		if val != "" {
			q.Set(k, val)
		}
	}
	if lockAll {
		q.Set("all", "true")
	}
	path := "/locks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list []controlplane.LockView
	if err := apiGet(path, &list); err != nil {
		return err
	}
	return render(list, func(w *tabwriter.Writer) {
		printLocks(w, list)
	})
}

func printLocks(w *tabwriter.Writer, list []controlplane.LockView) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No locks")
		return
	}
	fmt.Fprintln(w, "ID\tSTATUS\tRESOURCE\tAGENT\tLEVEL\tPRIORITY\tEXPIRES")
	for _, l := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(l.ID), indicator(l.Indicator), l.ResourceID, l.AgentID, l.LockLevel, l.Priority, until(l.ExpiresAt))
	}
}

func runLockShow(cmd *cobra.Command, args []string) error {
	var l controlplane.LockView
	if err := apiGet("/locks/"+args[0], &l); err != nil {
		return err
	}
	return render(l, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Lock:\t%s\n", l.ID)
		fmt.Fprintf(w, "Status:\t%s\n", indicator(l.Indicator))
		fmt.Fprintf(w, "Resource:\t%s (%s)\n", l.ResourceID, l.LockType)
		fmt.Fprintf(w, "Agent:\t%s\n", l.AgentID)
		fmt.Fprintf(w, "Level:\t%s\n", l.LockLevel)
		fmt.Fprintf(w, "Priority:\t%d\n", l.Priority)
		fmt.Fprintf(w, "Task:\t%s\n", orDash(l.TaskID))
		fmt.Fprintf(w, "Intent:\t%s\n", orDash(l.Intent))
		fmt.Fprintf(w, "Requested:\t%s\n", l.RequestedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Expires in:\t%s\n", until(l.ExpiresAt))
		if l.EndReason != "" {
			fmt.Fprintf(w, "Ended:\t%s\n", l.EndReason)
		}
		for k, val := range l.Metadata {
			fmt.Fprintf(w, "  %s:\t%s\n", k, val)
		}
	})
}

func runLockQueue(cmd *cobra.Command, args []string) error {
	var list []controlplane.LockView
	if err := apiGet("/queue?resource="+url.QueryEscape(args[0]), &list); err != nil {
		return err
	}
	return render(list, func(w *tabwriter.Writer) {
		printLocks(w, list)
	})
}
