package metrics

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/erpkernel/erpkernel/internal/domain/kernel"
	"github.com/erpkernel/erpkernel/internal/domain/policy"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	if m.ExecutionsTotal == nil {
		t.Error("ExecutionsTotal not initialized")
	}
	if m.ExecutionDuration == nil {
		t.Error("ExecutionDuration not initialized")
	}
	if m.DecisionsTotal == nil {
		t.Error("DecisionsTotal not initialized")
	}
	if m.AuditWritesTotal == nil {
		t.Error("AuditWritesTotal not initialized")
	}
}

func TestObserveDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDecision("team", "assign_member", policy.Decision{Allowed: true, Rule: policy.RuleTeamAssign})
	m.ObserveDecision("team", "assign_member", policy.Decision{Allowed: false, Rule: policy.RuleTeamAdministrative})
	m.ObserveDecision("team", "assign_member", policy.Decision{Allowed: false, Rule: policy.RuleTeamAdministrative})

	allow := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("team", "assign_member", "allow", policy.RuleTeamAssign))
	if allow != 1 {
		t.Errorf("allow decisions = %v, want 1", allow)
	}
	deny := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("team", "assign_member", "deny", policy.RuleTeamAdministrative))
	if deny != 2 {
		t.Errorf("deny decisions = %v, want 2", deny)
	}
}

func TestObserveExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveExecution("team.assign", "succeeded", "", 20*time.Millisecond)
	m.ObserveExecution("team.assign", "failed", kernel.KindForbidden, 5*time.Millisecond)
	m.ObserveExecution("team.assign", "misaligned", kernel.KindInvariantViolation, 0)

	var c dto.Metric
	if err := m.ExecutionsTotal.WithLabelValues("team.assign", "failed", string(kernel.KindForbidden)).Write(&c); err != nil {
		t.Fatal(err)
	}
	if c.Counter.GetValue() != 1 {
		t.Errorf("forbidden executions = %f, want 1", c.Counter.GetValue())
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	var found bool
	for _, mf := range families {
		if mf.GetName() != "erpkernel_feature_execution_duration_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			found = true
			// The misaligned call is counted but not timed.
			if got := metric.GetHistogram().GetSampleCount(); got != 2 {
				t.Errorf("duration samples = %d, want 2", got)
			}
		}
	}
	if !found {
		t.Error("feature_execution_duration_seconds not found in gathered metrics")
	}
}

func TestObserveAuditWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAuditWrite(nil)
	m.ObserveAuditWrite(errors.New("disk full"))
	m.ObserveAuditWrite(fmt.Errorf("audit write %w", kernel.ErrTimedOut))

	for _, result := range []string{"ok", "error", "timeout"} {
		if got := testutil.ToFloat64(m.AuditWritesTotal.WithLabelValues(result)); got != 1 {
			t.Errorf("audit writes{result=%q} = %v, want 1", result, got)
		}
	}
}

type fakeQueue struct {
	depth, capacity           int
	rejected, batches, writes int64
}

func (f fakeQueue) QueueDepth() int    { return f.depth }
func (f fakeQueue) QueueCapacity() int { return f.capacity }
func (f fakeQueue) Rejected() int64    { return f.rejected }
func (f fakeQueue) Batches() int64     { return f.batches }
func (f fakeQueue) Written() int64     { return f.writes }

func TestRegisterAuditQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterAuditQueue(reg, fakeQueue{depth: 3, capacity: 10, rejected: 2, batches: 7, writes: 40})

	expected := `
# HELP erpkernel_audit_queue_depth Submissions waiting for the audit writer
# TYPE erpkernel_audit_queue_depth gauge
erpkernel_audit_queue_depth 3
# HELP erpkernel_audit_rejections_total Audit submissions refused because the queue stayed full
# TYPE erpkernel_audit_rejections_total counter
erpkernel_audit_rejections_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"erpkernel_audit_queue_depth", "erpkernel_audit_rejections_total"); err != nil {
		t.Error(err)
	}
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount() error: %v", err)
	}
	if n != 5 {
		t.Errorf("registered metrics = %d, want 5", n)
	}
}
