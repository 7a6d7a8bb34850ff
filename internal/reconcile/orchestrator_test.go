package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestOrchestrator(opts Options, backends ...ConfigBackend) *Orchestrator {
	if opts.RateLimitRPS == 0 {
		opts.RateLimitRPS = 1000
	}
	o := NewOrchestrator(opts)
	for _, b := range backends {
		o.Register(b)
	}
	return o
}

func desiredTopic(name string, opts map[string]*string) DesiredConfig {
	return DesiredConfig{Ref: topicRef(name), Options: opts}
}

func TestReconcile_Idempotent(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.policy = RetryPolicy{MaxRetries: 3}
	topics.state["a"] = map[string]string{"retention.ms": "600000"}
	topics.state["b"] = map[string]string{"flush.ms": "1"}

	brokers := newFakeBackend(KindBroker)
	brokers.policy = RetryPolicy{MaxRetries: 3}
	brokers.state["1"] = map[string]string{}

	desired := []DesiredConfig{
		desiredTopic("a", map[string]*string{"retention.ms": strPtr("574930"), "flush.ms": strPtr("12345")}),
		desiredTopic("b", map[string]*string{"flush.ms": nil}),
		{Ref: ResourceRef{Kind: KindBroker, Name: "1"}, Options: map[string]*string{"log.cleaner.threads": strPtr("2")}},
	}

	o := newTestOrchestrator(Options{}, topics, brokers)

	first, err := o.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	for _, out := range first {
		if out.Status != StatusChanged {
			t.Errorf("first run %s: status = %s, want changed (%s)", out.Ref, out.Status, out.Reason)
		}
	}
	applies := topics.totalApplies() + brokers.totalApplies()
	if applies != 3 {
		t.Errorf("first run applies = %d, want 3", applies)
	}

	second, err := o.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	for _, out := range second {
		if out.Status != StatusUnchanged {
			t.Errorf("second run %s: status = %s, want unchanged", out.Ref, out.Status)
		}
	}
	if got := topics.totalApplies() + brokers.totalApplies(); got != applies {
		t.Errorf("second run made %d applies, want 0", got-applies)
	}

	res := Summarize(second)
	if res.Changed || res.Failed {
		t.Errorf("second run result = %+v, want unchanged and not failed", res)
	}
}

func TestReconcile_FailureIsolation(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.policy = RetryPolicy{MaxRetries: 3}
	topics.state["bad"] = map[string]string{}
	topics.state["good"] = map[string]string{"retention.ms": "1"}
	topics.applyErr["bad"] = []error{Rejected(topicRef("bad"), errors.New("invalid config"))}

	desired := []DesiredConfig{
		desiredTopic("bad", map[string]*string{"no.such.key": strPtr("1")}),
		desiredTopic("good", map[string]*string{"retention.ms": strPtr("1")}),
	}

	outcomes, err := newTestOrchestrator(Options{}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if outcomes[0].Status != StatusFailed {
		t.Errorf("bad: status = %s, want failed", outcomes[0].Status)
	}
	if !IsRejected(outcomes[0].Err) {
		t.Errorf("bad: err = %v, want rejected apply error", outcomes[0].Err)
	}
	if topics.applies["bad"] != 1 {
		t.Errorf("bad: applies = %d, rejected changes must not be retried", topics.applies["bad"])
	}
	if outcomes[1].Status != StatusUnchanged {
		t.Errorf("good: status = %s, want unchanged", outcomes[1].Status)
	}

	res := Summarize(outcomes)
	if !res.Failed {
		t.Error("overall failed flag should be set")
	}
	if res.Changed {
		t.Error("overall changed flag should not be set")
	}
}

func TestReconcile_PartialCredit(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.policy = RetryPolicy{MaxRetries: 2}
	topics.state["one"] = map[string]string{}
	topics.state["two"] = map[string]string{}
	topics.state["three"] = map[string]string{"a": "1"}
	topics.frozen["two"] = true

	opts := map[string]*string{"a": strPtr("1")}
	desired := []DesiredConfig{
		desiredTopic("one", opts),
		desiredTopic("two", opts),
		desiredTopic("three", opts),
	}

	outcomes, err := newTestOrchestrator(Options{}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	want := []Status{StatusChanged, StatusFailed, StatusUnchanged}
	for i, out := range outcomes {
		if out.Ref != desired[i].Ref {
			t.Errorf("outcome %d ref = %s, want %s", i, out.Ref, desired[i].Ref)
		}
		if out.Status != want[i] {
			t.Errorf("%s: status = %s, want %s", out.Ref, out.Status, want[i])
		}
	}

	var timeout *ConvergenceTimeoutError
	if !errors.As(outcomes[1].Err, &timeout) {
		t.Errorf("two: err = %v, want ConvergenceTimeoutError", outcomes[1].Err)
	}
	if !outcomes[1].Applied || len(outcomes[1].Diff) != 1 {
		t.Errorf("two: timed out change should still report the applied diff, got %+v", outcomes[1])
	}

	res := Summarize(outcomes)
	if !res.Changed || !res.Failed {
		t.Errorf("result = %+v, want changed and failed", res)
	}
	if !strings.Contains(res.Message, "topic/two") {
		t.Errorf("message %q should name the failed resource", res.Message)
	}
}

func TestReconcile_CheckMode(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.state["a"] = map[string]string{"flush.ms": "1"}
	topics.state["b"] = map[string]string{"flush.ms": "1"}

	desired := []DesiredConfig{
		desiredTopic("a", map[string]*string{"flush.ms": nil}),
		desiredTopic("b", map[string]*string{"flush.ms": strPtr("1")}),
	}

	outcomes, err := newTestOrchestrator(Options{CheckMode: true}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if outcomes[0].Status != StatusChanged || !outcomes[0].DryRun {
		t.Errorf("a: got %+v, want dry-run change", outcomes[0])
	}
	if len(outcomes[0].Diff) != 1 || outcomes[0].Diff[0].Type != OpDelete {
		t.Errorf("a: diff = %v, want [DELETE(flush.ms)]", outcomes[0].Diff)
	}
	if outcomes[1].Status != StatusUnchanged {
		t.Errorf("b: status = %s, want unchanged", outcomes[1].Status)
	}
	if topics.totalApplies() != 0 {
		t.Errorf("check mode made %d applies", topics.totalApplies())
	}
	if topics.reads["a"] != 1 {
		t.Errorf("check mode should not poll, reads = %d", topics.reads["a"])
	}
}

func TestReconcile_UnavailableRestartsFromRead(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.policy = RetryPolicy{MaxRetries: 3}
	topics.state["a"] = map[string]string{}
	topics.applyErr["a"] = []error{Unavailable(topicRef("a"), errors.New("not controller"))}

	desired := []DesiredConfig{desiredTopic("a", map[string]*string{"flush.ms": strPtr("1")})}

	outcomes, err := newTestOrchestrator(Options{MaxAttempts: 3}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if outcomes[0].Status != StatusChanged {
		t.Errorf("status = %s, want changed (%s)", outcomes[0].Status, outcomes[0].Reason)
	}
	if outcomes[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcomes[0].Attempts)
	}
	if topics.applies["a"] != 2 {
		t.Errorf("applies = %d, want 2", topics.applies["a"])
	}
	// initial read, fresh read after the failure, one convergence check
	if topics.reads["a"] != 3 {
		t.Errorf("reads = %d, want 3", topics.reads["a"])
	}
}

// lostAckBackend applies the first write but reports it as timed out.
type lostAckBackend struct {
	*fakeBackend
	acked bool
}

func (b *lostAckBackend) Apply(ctx context.Context, ref ResourceRef, diff ConfigDiff) error {
	if err := b.fakeBackend.Apply(ctx, ref, diff); err != nil {
		return err
	}
	if !b.acked {
		b.acked = true
		return Unavailable(ref, errors.New("request timed out"))
	}
	return nil
}

func TestReconcile_UnacknowledgedApplyReportsChanged(t *testing.T) {
	topics := &lostAckBackend{fakeBackend: newFakeBackend(KindTopic)}
	topics.state["a"] = map[string]string{}

	desired := []DesiredConfig{desiredTopic("a", map[string]*string{"flush.ms": strPtr("1")})}

	outcomes, err := newTestOrchestrator(Options{MaxAttempts: 3}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	out := outcomes[0]
	if out.Status != StatusChanged || !out.Applied {
		t.Errorf("status = %s applied = %v, want changed and applied", out.Status, out.Applied)
	}
	if len(out.Diff) != 1 || out.Diff[0].Key != "flush.ms" {
		t.Errorf("diff = %v, want the write that timed out", out.Diff)
	}
	if topics.applies["a"] != 1 {
		t.Errorf("applies = %d, want 1", topics.applies["a"])
	}
	if !Summarize(outcomes).Changed {
		t.Error("run should report changed")
	}
}

func TestReconcile_UnavailableBoundedByMaxAttempts(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.state["a"] = map[string]string{}
	unavailable := Unavailable(topicRef("a"), errors.New("timeout"))
	topics.applyErr["a"] = []error{unavailable, unavailable, unavailable, unavailable}

	desired := []DesiredConfig{desiredTopic("a", map[string]*string{"flush.ms": strPtr("1")})}

	outcomes, err := newTestOrchestrator(Options{MaxAttempts: 2}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if outcomes[0].Status != StatusFailed {
		t.Errorf("status = %s, want failed", outcomes[0].Status)
	}
	if topics.applies["a"] != 2 {
		t.Errorf("applies = %d, want 2", topics.applies["a"])
	}
	if !errors.Is(outcomes[0].Err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", outcomes[0].Err)
	}
}

func TestReconcile_ResourceNotFound(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.state["b"] = map[string]string{}

	desired := []DesiredConfig{
		desiredTopic("missing", map[string]*string{"a": strPtr("1")}),
		desiredTopic("b", map[string]*string{}),
	}

	outcomes, err := newTestOrchestrator(Options{}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !errors.Is(outcomes[0].Err, ErrResourceNotFound) {
		t.Errorf("missing: err = %v, want ErrResourceNotFound", outcomes[0].Err)
	}
	if topics.reads["missing"] != 1 {
		t.Errorf("missing: reads = %d, not found must not be retried", topics.reads["missing"])
	}
	if outcomes[1].Status != StatusUnchanged {
		t.Errorf("b: status = %s, want unchanged", outcomes[1].Status)
	}
}

func TestReconcile_ConnectionErrorAbortsRun(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.state["a"] = map[string]string{}
	topics.state["b"] = map[string]string{}
	topics.state["c"] = map[string]string{}
	topics.readErr["b"] = []error{&ConnectionError{Target: "zookeeper", Err: errors.New("session expired")}}

	opts := map[string]*string{}
	desired := []DesiredConfig{
		desiredTopic("a", opts),
		desiredTopic("b", opts),
		desiredTopic("c", opts),
	}

	outcomes, err := newTestOrchestrator(Options{}, topics).Reconcile(context.Background(), desired)
	if !IsConnectionError(err) {
		t.Fatalf("Reconcile() error = %v, want ConnectionError", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want every resource listed", len(outcomes))
	}

	if outcomes[0].Status != StatusUnchanged {
		t.Errorf("a: status = %s, want unchanged", outcomes[0].Status)
	}
	if outcomes[1].Status != StatusFailed {
		t.Errorf("b: status = %s, want failed", outcomes[1].Status)
	}
	if outcomes[2].Status != StatusFailed || !strings.HasPrefix(outcomes[2].Reason, "run aborted") {
		t.Errorf("c: got %+v, want aborted", outcomes[2])
	}
	if topics.reads["c"] != 0 {
		t.Errorf("c: reads = %d, want 0 after abort", topics.reads["c"])
	}
}

func TestReconcile_UnregisteredKind(t *testing.T) {
	desired := []DesiredConfig{{Ref: ResourceRef{Kind: KindBroker, Name: "1"}}}

	outcomes, err := newTestOrchestrator(Options{}, newFakeBackend(KindTopic)).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if outcomes[0].Status != StatusFailed {
		t.Errorf("status = %s, want failed", outcomes[0].Status)
	}
}

func TestReconcile_ParallelKeepsInputOrder(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.policy = RetryPolicy{MaxRetries: 2}

	names := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7"}
	desired := make([]DesiredConfig, 0, len(names))
	for _, n := range names {
		topics.state[n] = map[string]string{}
		desired = append(desired, desiredTopic(n, map[string]*string{"k": strPtr(n)}))
	}

	outcomes, err := newTestOrchestrator(Options{Concurrency: 4}, topics).Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	for i, out := range outcomes {
		if out.Ref.Name != names[i] {
			t.Errorf("outcome %d = %s, want %s", i, out.Ref.Name, names[i])
		}
		if out.Status != StatusChanged {
			t.Errorf("%s: status = %s, want changed", out.Ref, out.Status)
		}
	}
}

func TestSummarize(t *testing.T) {
	res := Summarize(nil)
	if res.Changed || res.Failed || res.Outcomes == nil {
		t.Errorf("Summarize(nil) = %+v", res)
	}
	if res.Message != "0 changed, 0 unchanged, 0 failed" {
		t.Errorf("Message = %q", res.Message)
	}

	res = Summarize([]Outcome{
		{Ref: topicRef("a"), Status: StatusChanged},
		{Ref: topicRef("b"), Status: StatusUnchanged},
	})
	if !res.Changed || res.Failed {
		t.Errorf("Summarize() = %+v, want changed only", res)
	}
}

type switchingSource struct {
	mu      sync.Mutex
	desired []DesiredConfig
	changed chan struct{}
}

func (s *switchingSource) Desired() []DesiredConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

func (s *switchingSource) Changed() <-chan struct{} { return s.changed }

func (s *switchingSource) replace(desired []DesiredConfig) {
	s.mu.Lock()
	s.desired = desired
	s.mu.Unlock()
	s.changed <- struct{}{}
}

func TestRun_ReconcilesOnEveryTick(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.state["a"] = map[string]string{}
	source := StaticSource{desiredTopic("a", map[string]*string{"k": strPtr("v")})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var results []Result
	err := newTestOrchestrator(Options{}, topics).Run(ctx, source, 10*time.Millisecond, func(res Result) {
		results = append(results, res)
		if len(results) == 2 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].Changed || results[1].Changed {
		t.Errorf("results = %+v, want changed then unchanged", results)
	}
}

func TestRun_SourceChangeTriggersRun(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	topics.state["a"] = map[string]string{}
	topics.state["b"] = map[string]string{}

	source := &switchingSource{
		desired: []DesiredConfig{desiredTopic("a", nil)},
		changed: make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	err := newTestOrchestrator(Options{}, topics).Run(ctx, source, time.Hour, func(res Result) {
		seen = append(seen, res.Outcomes[0].Ref.Name)
		if len(seen) == 1 {
			source.replace([]DesiredConfig{desiredTopic("b", nil)})
			return
		}
		cancel()
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.Join(seen, ",") != "a,b" {
		t.Errorf("runs reconciled %v, want [a b]", seen)
	}
}

func TestRun_ConnectionErrorStops(t *testing.T) {
	topics := newFakeBackend(KindTopic)
	connErr := &ConnectionError{Target: "zookeeper", Err: errors.New("session expired")}
	topics.readErr["a"] = []error{connErr}

	reports := 0
	err := newTestOrchestrator(Options{}, topics).Run(context.Background(),
		StaticSource{desiredTopic("a", nil)}, time.Hour, func(Result) { reports++ })
	if !IsConnectionError(err) {
		t.Errorf("Run() error = %v, want connection error", err)
	}
	if reports != 1 {
		t.Errorf("reports = %d, want 1", reports)
	}
}
