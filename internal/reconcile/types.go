// Package reconcile provides the reconciliation framework for making
// actual Kafka resource configuration match desired configuration.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a type of configurable resource.
type Kind string

// Resource kinds
const (
	KindBroker Kind = "broker"
	KindTopic  Kind = "topic"
)

// ParseKind parses a resource_type value.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBroker, KindTopic:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown resource type %q (want broker or topic)", s)
}

// ResourceRef uniquely identifies a configurable resource.
type ResourceRef struct {
	Kind Kind   `json:"type"`
	Name string `json:"name"`
}

// NewResourceRef builds a ref, checking that broker names are numeric ids.
func NewResourceRef(kind Kind, name string) (ResourceRef, error) {
	if name == "" {
		return ResourceRef{}, fmt.Errorf("%s name is empty", kind)
	}
	if kind == KindBroker {
		if _, err := strconv.Atoi(name); err != nil {
			return ResourceRef{}, fmt.Errorf("broker name %q is not a numeric broker id", name)
		}
	}
	return ResourceRef{Kind: kind, Name: name}, nil
}

// ParseResourceRef parses the "kind/name" form produced by String.
func ParseResourceRef(s string) (ResourceRef, error) {
	kind, name, ok := strings.Cut(s, "/")
	if !ok {
		return ResourceRef{}, fmt.Errorf("resource %q is not in kind/name form", s)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return ResourceRef{}, err
	}
	return NewResourceRef(k, name)
}

func (r ResourceRef) String() string {
	return string(r.Kind) + "/" + r.Name
}

// DesiredConfig is the declared configuration of one resource.
// A nil value means "remove the override and revert to the default".
// Keys not present carry no opinion.
type DesiredConfig struct {
	Ref     ResourceRef
	Options map[string]*string
}

// CurrentConfig is a point-in-time snapshot of the explicit overrides set on
// a resource. It is never mutated after the read that produced it.
type CurrentConfig struct {
	Ref     ResourceRef
	Entries map[string]string

	// Sensitive holds override keys whose value the cluster does not disclose.
	Sensitive map[string]bool
}

// OpType is the kind of a single config operation.
type OpType string

const (
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
)

// Op is one config change.
type Op struct {
	Type  OpType `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (o Op) String() string {
	if o.Type == OpDelete {
		return "DELETE(" + o.Key + ")"
	}
	return "SET(" + o.Key + "," + o.Value + ")"
}

// ConfigDiff is the ordered set of operations moving current to desired.
type ConfigDiff []Op

// Empty reports whether nothing needs to change.
func (d ConfigDiff) Empty() bool {
	return len(d) == 0
}

// Keys returns the keys touched by the diff, in diff order.
func (d ConfigDiff) Keys() []string {
	keys := make([]string, 0, len(d))
	for _, op := range d {
		keys = append(keys, op.Key)
	}
	return keys
}

// Merge applies the diff to a set of overrides and returns the result.
// The input map is left untouched.
func (d ConfigDiff) Merge(current map[string]string) map[string]string {
	merged := make(map[string]string, len(current)+len(d))
	for k, v := range current {
		merged[k] = v
	}
	for _, op := range d {
		switch op.Type {
		case OpSet:
			merged[op.Key] = op.Value
		case OpDelete:
			delete(merged, op.Key)
		}
	}
	return merged
}

// RetryPolicy bounds convergence polling for one backend.
type RetryPolicy struct {
	Sleep      time.Duration
	MaxRetries int
}

// attempts returns the number of checks the policy allows (at least one).
func (p RetryPolicy) attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// ConfigBackend reads and mutates the configuration of one resource kind.
// Implementations must not cache reads.
type ConfigBackend interface {
	// Kind returns the resource kind this backend handles.
	Kind() Kind

	// Read fetches a fresh snapshot of the resource's explicit overrides.
	Read(ctx context.Context, ref ResourceRef) (CurrentConfig, error)

	// Apply issues one alter-config request covering the whole diff.
	Apply(ctx context.Context, ref ResourceRef, diff ConfigDiff) error

	// RetryPolicy returns the convergence budget matching the backing store.
	RetryPolicy() RetryPolicy
}

// Waiter is implemented by backends that can end a poll interval early
// when the backing store signals a change.
type Waiter interface {
	Wait(ctx context.Context, ref ResourceRef, d time.Duration) error
}

// Status is the per-resource reconciliation result.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusChanged   Status = "changed"
	StatusFailed    Status = "failed"
)

// Outcome is the result of reconciling one resource.
type Outcome struct {
	Ref      ResourceRef `json:"resource"`
	Status   Status      `json:"status"`
	Diff     ConfigDiff  `json:"diff,omitempty"`
	DryRun   bool        `json:"dry_run,omitempty"`
	Applied  bool        `json:"applied,omitempty"` // mutation reached the cluster
	Reason   string      `json:"reason,omitempty"`
	Attempts int         `json:"attempts"`
	Err      error       `json:"-"`

	// inDoubt is set when an apply failed transiently and may still have
	// reached the cluster.
	inDoubt bool
}

// Result aggregates outcomes for the caller.
type Result struct {
	Changed  bool      `json:"changed"`
	Failed   bool      `json:"failed"`
	Outcomes []Outcome `json:"outcomes"`
	Message  string    `json:"message"`
}

// Summarize folds per-resource outcomes into one Result.
func Summarize(outcomes []Outcome) Result {
	counts := make(map[Status]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}

	res := Result{
		Changed:  counts[StatusChanged] > 0,
		Failed:   counts[StatusFailed] > 0,
		Outcomes: outcomes,
	}
	if res.Outcomes == nil {
		res.Outcomes = []Outcome{}
	}

	res.Message = fmt.Sprintf("%d changed, %d unchanged, %d failed",
		counts[StatusChanged], counts[StatusUnchanged], counts[StatusFailed])
	if res.Failed {
		failed := make([]string, 0, counts[StatusFailed])
		for _, o := range outcomes {
			if o.Status == StatusFailed {
				failed = append(failed, o.Ref.String())
			}
		}
		sort.Strings(failed)
		res.Message += fmt.Sprintf(" (failed: %v)", failed)
	}
	return res
}
