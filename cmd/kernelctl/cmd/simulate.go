package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/erpkernel/erpkernel/internal/adapter/outbound/memory"
	"github.com/erpkernel/erpkernel/internal/config"
	"github.com/erpkernel/erpkernel/internal/domain/audit"
	"github.com/erpkernel/erpkernel/internal/domain/auth"
	"github.com/erpkernel/erpkernel/internal/domain/kernel"
	"github.com/erpkernel/erpkernel/internal/domain/policy"
	"github.com/erpkernel/erpkernel/internal/domain/session"
	"github.com/erpkernel/erpkernel/internal/logging"
	"github.com/erpkernel/erpkernel/internal/metrics"
)

type simulateOptions struct {
	principal   string
	email       string
	role        string
	team        string
	member      string
	assigned    bool
	stale       bool
	count       int
	concurrency int
	work        time.Duration
	timeout     time.Duration
	fail        bool
	trace       bool
	metrics     bool
}

// assignMemberInput is the input of the simulated team.assign feature.
type assignMemberInput struct {
	TeamID    string
	MemberID  string
	Assignees []string
}

type assignMemberResult struct {
	TeamID   string
	MemberID string
}

type metricSample struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Value  float64           `json:"value" yaml:"value"`
}

type simulationReport struct {
	Feature       string         `json:"feature" yaml:"feature"`
	Principal     string         `json:"principal" yaml:"principal"`
	Role          string         `json:"role" yaml:"role"`
	Scope         string         `json:"scope" yaml:"scope"`
	Invocations   int            `json:"invocations" yaml:"invocations"`
	Outcomes      map[string]int `json:"outcomes" yaml:"outcomes"`
	Reasons       []string       `json:"reasons,omitempty" yaml:"reasons,omitempty"`
	AuditSink     string         `json:"audit_sink" yaml:"audit_sink"`
	AuditWritten  int64          `json:"audit_written" yaml:"audit_written"`
	AuditRejected int64          `json:"audit_rejected" yaml:"audit_rejected"`
	Metrics       []metricSample `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// errSimulatedFailure is returned by the simulated feature under --fail.
var errSimulatedFailure = errors.New("simulated business failure")

func newSimulateCmd(g *globalOptions) *cobra.Command {
	o := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a feature through a configured pipeline",
		Long: `Run the team.assign feature through a pipeline assembled from config.

The pipeline uses the configured audit sink behind the batching writer,
the configured epoch store and Prometheus metrics. Every invocation is
audited exactly once; the report summarizes outcomes by error kind.

Examples:
  kernelctl simulate --role manager --assigned
  kernelctl simulate --role employee --count 100 --concurrency 8 --metrics
  kernelctl simulate --role owner --stale
  kernelctl simulate --role owner --work 2s --timeout 500ms --trace`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			report, err := o.run(cmd, cfg)
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&o.principal, "principal", "u-1", "principal ID of the actor")
	cmd.Flags().StringVar(&o.email, "email", "u-1@example.com", "principal email")
	cmd.Flags().StringVar(&o.role, "role", "manager", "role of the actor (owner, manager, employee, client)")
	cmd.Flags().StringVar(&o.team, "team", "t-1", "team targeted by the invocation")
	cmd.Flags().StringVar(&o.member, "member", "m-1", "member being assigned")
	cmd.Flags().BoolVar(&o.assigned, "assigned", false, "the actor is assigned to the team")
	cmd.Flags().BoolVar(&o.stale, "stale", false, "invalidate the session before invoking")
	cmd.Flags().IntVar(&o.count, "count", 1, "number of invocations")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 1, "maximum concurrent invocations")
	cmd.Flags().DurationVar(&o.work, "work", 0, "time the feature spends working")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "feature timeout (default: execution.default_timeout)")
	cmd.Flags().BoolVar(&o.fail, "fail", false, "make the feature return a business error")
	cmd.Flags().BoolVar(&o.trace, "trace", false, "print OpenTelemetry spans to stdout")
	cmd.Flags().BoolVar(&o.metrics, "metrics", false, "include Prometheus metrics in the report")
	return cmd
}

func (o *simulateOptions) run(cmd *cobra.Command, cfg *config.Config) (simulationReport, error) {
	if o.count < 1 {
		return simulationReport{}, errors.New("--count must be at least 1")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New(cfg.Log, cmd.ErrOrStderr())

	principal, err := auth.NewPrincipalFromClaim(o.principal, o.email, o.role)
	if err != nil {
		return simulationReport{}, err
	}

	store, err := openAuditStore(ctx, cfg, logger)
	if err != nil {
		return simulationReport{}, err
	}
	writer := newAuditService(store, cfg, logger)
	writer.Start(ctx)
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error("failed to close audit writer", "error", err)
		}
	}()

	epochs, closeEpochs, err := openEpochStore(ctx, cfg)
	if err != nil {
		return simulationReport{}, err
	}
	defer func() { _ = closeEpochs() }()

	reg := prometheus.NewRegistry()
	observer := metrics.New(reg)
	metrics.RegisterAuditQueue(reg, writer)

	opts := []kernel.Option{
		kernel.WithLogger(logger),
		kernel.WithObserver(observer),
		kernel.WithDefaultTimeout(cfg.Execution.Timeout()),
		kernel.WithAuditTimeout(cfg.Audit.WriteTimeoutDuration()),
	}
	if o.trace {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(cmd.OutOrStdout()),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return simulationReport{}, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
		opts = append(opts, kernel.WithTracerProvider(tp))
	}

	sessions := session.NewService(epochs, memory.NewDirectory(principal))
	ec, err := sessions.Resolver(principal.ID()).ResolveContext(ctx)
	if err != nil {
		return simulationReport{}, fmt.Errorf("establish session: %w", err)
	}
	if o.stale {
		if _, err := sessions.Invalidate(ctx, principal.ID()); err != nil {
			return simulationReport{}, fmt.Errorf("invalidate session: %w", err)
		}
	}

	def, err := o.define()
	if err != nil {
		return simulationReport{}, err
	}
	pipeline := kernel.NewPipeline(sessions, audit.NewRecorder(writer), opts...)
	call := kernel.Call{Resource: def.Resource(), Action: def.Action()}

	in := assignMemberInput{TeamID: o.team, MemberID: o.member}
	if o.assigned {
		in.Assignees = []string{principal.ID()}
	}

	var (
		mu       sync.Mutex
		outcomes = map[string]int{}
		reasons  = map[string]struct{}{}
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(o.concurrency, 1))
	for i := 0; i < o.count; i++ {
		group.Go(func() error {
			_, err := kernel.Execute(gctx, pipeline, call, def, ec, in)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				outcomes["succeeded"]++
				return nil
			}
			kind, _ := kernel.KindOf(err)
			outcomes[string(kind)]++
			var kerr *kernel.Error
			if errors.As(err, &kerr) && kerr.Reason != "" {
				reasons[kerr.Reason] = struct{}{}
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := writer.Flush(ctx); err != nil {
		logger.Warn("audit flush failed", "error", err)
	}

	report := simulationReport{
		Feature:       def.Name(),
		Principal:     principal.ID(),
		Role:          string(principal.Role()),
		Scope:         policy.Scope{Kind: policy.ScopeTeam, ID: o.team, Assigned: o.assigned}.String(),
		Invocations:   o.count,
		Outcomes:      outcomes,
		Reasons:       sortedKeys(reasons),
		AuditSink:     cfg.Audit.Sink,
		AuditWritten:  writer.Written(),
		AuditRejected: writer.Rejected(),
	}
	if o.metrics {
		samples, err := gatherSamples(reg)
		if err != nil {
			return simulationReport{}, err
		}
		report.Metrics = samples
	}
	return report, nil
}

// define builds the simulated feature from the flags.
func (o *simulateOptions) define() (*kernel.Definition[assignMemberInput, assignMemberResult], error) {
	work, fail := o.work, o.fail
	return kernel.DefineCommandFeature(kernel.Spec[assignMemberInput, assignMemberResult]{
		Name:     "team.assign",
		Resource: policy.ResourceTeam,
		Action:   policy.ActionAssign,
		Scope: kernel.TeamScope(
			func(in assignMemberInput) string { return in.TeamID },
			func(in assignMemberInput) []string { return in.Assignees },
		),
		Timeout: o.timeout,
		Execute: func(ctx context.Context, _ session.ExecutionContext, in assignMemberInput) (assignMemberResult, error) {
			if work > 0 {
				t := time.NewTimer(work)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return assignMemberResult{}, ctx.Err()
				}
			}
			if fail {
				return assignMemberResult{}, errSimulatedFailure
			}
			return assignMemberResult{TeamID: in.TeamID, MemberID: in.MemberID}, nil
		},
	})
}

// gatherSamples flattens counters and gauges, and histogram sample counts,
// into a sorted list.
func gatherSamples(g prometheus.Gatherer) ([]metricSample, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var samples []metricSample
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			s := metricSample{Name: mf.GetName(), Labels: labels(m)}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				s.Value = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Name += "_count"
				s.Value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			samples = append(samples, s)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples, nil
}

func labels(m *dto.Metric) map[string]string {
	pairs := m.GetLabel()
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, lp := range pairs {
		if v := lp.GetValue(); v != "" {
			out[lp.GetName()] = v
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
