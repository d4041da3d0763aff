package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fentz26/lockwarden/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(v); err != nil {
			return err
		}
		if outputFormat == "json" {
			return renderTo(os.Stdout, "json", v.AllSettings(), nil)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v.AllSettings())
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Run: func(cmd *cobra.Command, args []string) {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Println(used)
			return
		}
		fmt.Printf("%s (not present, using defaults)\n", config.ConfigFile())
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.Load(v)
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
			}
			return fmt.Errorf("%d invalid setting(s)", len(verrs))
		}
		if err != nil {
			return err
		}
		fmt.Println("Configuration OK")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd, configValidateCmd)
}
