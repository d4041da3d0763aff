package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fentz26/lockwarden/internal/config"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "lockwarden",
	Short: "Lockwarden - resource lock coordinator for coding agents",
	Long: `Lockwarden coordinates multiple coding agents working on one codebase:
it grants and queues locks on files, line ranges and code regions, detects
and resolves conflicts, sequences tasks by dependency and records every
transition in an activity log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(v, cfgFile); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if !cmd.Flags().Changed("api") {
			if addr := v.GetString("server.addr"); addr != "" {
				apiAddr = "http://" + addr
			}
		}
		apiAddr = strings.TrimRight(apiAddr, "/")
		switch outputFormat {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q (table, json, yaml)", outputFormat)
		}
		return nil
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	v            = viper.New()
	cfgFile      string
	apiAddr      string
	outputFormat string
	noColor      bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default "+config.ConfigFile()+")")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable coloured output")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(conflictCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(routingCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tuiCmd)
}

// isTerminal reports whether stdout is an interactive terminal.
func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func useColor() bool {
	return !noColor && os.Getenv("NO_COLOR") == "" && isTerminal()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
