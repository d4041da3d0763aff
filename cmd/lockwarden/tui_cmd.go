package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/lockwarden/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive dashboard",
	RunE:  runTUI,
}

var (
	tuiLive      bool
	tuiAutoStart bool
)

func init() {
	tuiCmd.Flags().BoolVar(&tuiLive, "live", true, "Follow the daemon's event stream")
	tuiCmd.Flags().BoolVar(&tuiAutoStart, "start-daemon", true, "Start a background daemon when none is running")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isTerminal() {
		return fmt.Errorf("tui needs an interactive terminal")
	}

	if _, err := CheckHealth(); err != nil {
		if !tuiAutoStart {
			return fmt.Errorf("daemon not reachable at %s: %w", apiAddr, err)
		}
		fmt.Println("Lockwarden daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	if err := tui.New(apiAddr, tuiLive).Run(cmd.Context()); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	cmd := exec.Command(exe, args...)
	// Detach so the daemon survives the TUI.
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	_ = cmd.Process.Release()

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if _, err := CheckHealth(); err == nil {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
