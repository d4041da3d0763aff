package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fentz26/lockwarden/internal/config"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/snapshot"
	"github.com/fentz26/lockwarden/internal/store"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export or import coordinator state",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the full state to a compressed snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotExport,
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load a snapshot file into the database (daemon must be stopped)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotImport,
}

var (
	snapshotDB      string
	snapshotOffline bool
)

func init() {
	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd)
	snapshotCmd.PersistentFlags().StringVar(&snapshotDB, "db", "", "Database path (default from config)")
	snapshotExportCmd.Flags().BoolVar(&snapshotOffline, "offline", false, "Read the database directly instead of asking the daemon")
}

func snapshotStore() (*store.Store, string, error) {
	path := snapshotDB
	if path == "" {
		cfg, err := config.Load(v)
		if err != nil {
			return nil, "", err
		}
		path = cfg.Store.Path
	}
	if path == "" {
		return nil, "", fmt.Errorf("no database configured; pass --db")
	}
	st, err := store.New(path)
	if err != nil {
		return nil, "", err
	}
	return st, path, nil
}

func runSnapshotExport(cmd *cobra.Command, args []string) error {
	var snap models.Snapshot
	if snapshotOffline {
		st, _, err := snapshotStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if snap, err = st.LoadSnapshot(cmd.Context(), 0); err != nil {
			return err
		}
	} else if err := apiGet("/snapshot?full=true", &snap); err != nil {
		return err
	}

	if err := snapshot.WriteFile(args[0], snap); err != nil {
		return err
	}
	return render(snapshotSummary(snap, args[0]), func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Exported to %s\n", args[0])
		printSnapshotCounts(w, snap)
	})
}

func runSnapshotImport(cmd *cobra.Command, args []string) error {
	if _, err := CheckHealth(); err == nil {
		return fmt.Errorf("daemon is running at %s; stop it before importing", apiAddr)
	}
	snap, err := snapshot.ReadFile(args[0])
	if err != nil {
		return err
	}
	st, path, err := snapshotStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.SaveSnapshot(cmd.Context(), snap); err != nil {
		return fmt.Errorf("import into %s: %w", path, err)
	}
	return render(snapshotSummary(snap, path), func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Imported %s into %s\n", args[0], path)
		printSnapshotCounts(w, snap)
	})
}

func snapshotSummary(snap models.Snapshot, path string) map[string]any {
	return map[string]any{
		"path":      path,
		"taken_at":  snap.TakenAt,
		"agents":    len(snap.Agents),
		"locks":     len(snap.Locks),
		"tasks":     len(snap.Tasks),
		"conflicts": len(snap.Conflicts),
		"activity":  len(snap.Activity),
	}
}

func printSnapshotCounts(w *tabwriter.Writer, snap models.Snapshot) {
	fmt.Fprintf(w, "  agents\t%d\n", len(snap.Agents))
	fmt.Fprintf(w, "  locks\t%d\n", len(snap.Locks))
	fmt.Fprintf(w, "  tasks\t%d\n", len(snap.Tasks))
	fmt.Fprintf(w, "  conflicts\t%d\n", len(snap.Conflicts))
	fmt.Fprintf(w, "  activity\t%d\n", len(snap.Activity))
}
