package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/erpkernel/erpkernel/internal/adapter/outbound/file"
	"github.com/erpkernel/erpkernel/internal/config"
	"github.com/erpkernel/erpkernel/internal/domain/audit"
	"github.com/erpkernel/erpkernel/internal/logging"
)

// ErrVerificationFailed is returned by "audit verify" when the log has
// corrupt lines or sequence gaps.
var ErrVerificationFailed = errors.New("audit log verification failed")

type tailEntry struct {
	Seq    uint64       `json:"seq" yaml:"seq"`
	File   string       `json:"file" yaml:"file"`
	Line   int          `json:"line" yaml:"line"`
	Record audit.Record `json:"record" yaml:"record"`
}

func newAuditCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Tail, verify or query the audit ledger",
	}
	cmd.AddCommand(
		newAuditTailCmd(g),
		newAuditVerifyCmd(g),
		newAuditQueryCmd(g),
	)
	return cmd
}

func newAuditTailCmd(g *globalOptions) *cobra.Command {
	var (
		dir string
		n   int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest entries of a JSON Lines audit log",
		Long: `Print the newest entries of a JSON Lines audit log.

The directory defaults to audit.dir from the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := auditDir(dir)
			if err != nil {
				return err
			}
			entries, err := file.Tail(cmd.Context(), dir, n)
			if err != nil {
				return err
			}
			out := make([]tailEntry, 0, len(entries))
			for _, e := range entries {
				out = append(out, tailEntry{Seq: e.Seq, File: e.File, Line: e.Line, Record: e.Event.ToRecord()})
			}
			return g.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "audit log directory (default: audit.dir)")
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of entries to print")
	return cmd
}

func newAuditVerifyCmd(g *globalOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify checksums and sequence continuity of a JSON Lines audit log",
		Long: `Verify every line of a JSON Lines audit log.

Each line's checksum is recomputed and sequence numbers are checked for
gaps across rotated files. The command exits non-zero when any problem is
found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := auditDir(dir)
			if err != nil {
				return err
			}
			report, err := file.Verify(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if err := g.print(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%w: %d problem(s)", ErrVerificationFailed, len(report.Problems))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "audit log directory (default: audit.dir)")
	return cmd
}

func newAuditQueryCmd(g *globalOptions) *cobra.Command {
	var (
		actor     string
		eventType string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the configured audit sink",
		Long: `Query the audit sink selected by audit.sink.

The memory sink keeps nothing between runs and cannot be queried.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.Audit.Sink == "memory" {
				return errors.New("the memory sink keeps no history; configure file, sqlite or postgres")
			}
			logger := logging.New(cfg.Log, cmd.ErrOrStderr())

			store, err := openAuditStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore(store, logger)

			qs, ok := store.(audit.QueryStore)
			if !ok {
				return fmt.Errorf("audit sink %q does not support queries", cfg.Audit.Sink)
			}
			filter := audit.Filter{Actor: actor, Type: eventType, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := qs.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := make([]audit.Record, 0, len(events))
			for _, e := range events {
				out = append(out, e.ToRecord())
			}
			return g.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only events by this principal ID")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type (feature.succeeded, feature.failed)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	return cmd
}

// auditDir returns flagDir, or audit.dir from the config when empty.
func auditDir(flagDir string) (string, error) {
	if flagDir != "" {
		return flagDir, nil
	}
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return "", err
	}
	if cfg.Audit.Dir == "" {
		return "", errors.New("no audit directory: pass --dir or set audit.dir")
	}
	return cfg.Audit.Dir, nil
}

func closeStore(store audit.Store, logger *slog.Logger) {
	if err := store.Close(); err != nil {
		logger.Error("failed to close audit store", "error", err)
	}
}
