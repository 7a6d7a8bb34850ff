package reconcile

import (
	"context"
	"sync"
)

// fakeBackend is an in-memory ConfigBackend.
type fakeBackend struct {
	kind   Kind
	policy RetryPolicy

	mu    sync.Mutex
	state map[string]map[string]string

	// frozen resources accept applies that never become visible.
	frozen map[string]bool

	// Errors returned by successive calls, per resource name.
	readErr  map[string][]error
	applyErr map[string][]error

	reads   map[string]int
	applies map[string]int
}

func newFakeBackend(kind Kind) *fakeBackend {
	return &fakeBackend{
		kind:     kind,
		state:    make(map[string]map[string]string),
		frozen:   make(map[string]bool),
		readErr:  make(map[string][]error),
		applyErr: make(map[string][]error),
		reads:    make(map[string]int),
		applies:  make(map[string]int),
	}
}

func (f *fakeBackend) Kind() Kind { return f.kind }

func (f *fakeBackend) RetryPolicy() RetryPolicy { return f.policy }

func (f *fakeBackend) Read(ctx context.Context, ref ResourceRef) (CurrentConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads[ref.Name]++
	if errs := f.readErr[ref.Name]; len(errs) > 0 {
		f.readErr[ref.Name] = errs[1:]
		if errs[0] != nil {
			return CurrentConfig{}, errs[0]
		}
	}

	entries, ok := f.state[ref.Name]
	if !ok {
		return CurrentConfig{}, ErrResourceNotFound
	}

	snapshot := make(map[string]string, len(entries))
	for k, v := range entries {
		snapshot[k] = v
	}
	return CurrentConfig{Ref: ref, Entries: snapshot}, nil
}

func (f *fakeBackend) Apply(ctx context.Context, ref ResourceRef, diff ConfigDiff) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applies[ref.Name]++
	if errs := f.applyErr[ref.Name]; len(errs) > 0 {
		f.applyErr[ref.Name] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}

	if !f.frozen[ref.Name] {
		f.state[ref.Name] = diff.Merge(f.state[ref.Name])
	}
	return nil
}

func (f *fakeBackend) totalApplies() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.applies {
		n += c
	}
	return n
}
