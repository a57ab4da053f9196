// Package cmd provides the CLI commands for kernelctl.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/erpkernel/erpkernel/internal/config"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	cfgFile string
	output  string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "kernelctl",
		Short: "kernelctl - operator tooling for the feature execution kernel",
		Long: `kernelctl inspects and exercises the feature execution kernel.

It evaluates RBAC decisions, reads and verifies the audit ledger, and runs
simulated feature invocations through a pipeline assembled from config.

Configuration:
  Config is loaded from erpkernel.yaml in the current directory,
  $HOME/.erpkernel/, or /etc/erpkernel/.

  Environment variables can override config values with the ERPKERNEL_ prefix.
  Example: ERPKERNEL_AUDIT_SINK=sqlite

Commands:
  evaluate    Evaluate an RBAC decision
  audit       Tail, verify or query the audit ledger
  simulate    Run a feature through a configured pipeline
  version     Print version information`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.InitViper(g.cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default: ./erpkernel.yaml)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "yaml", "output format: yaml or json")

	root.AddCommand(
		newEvaluateCmd(g),
		newAuditCmd(g),
		newSimulateCmd(g),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// print writes v in the selected output format.
func (g *globalOptions) print(w io.Writer, v any) error {
	switch g.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", g.output)
	}
}
