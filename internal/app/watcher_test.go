package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dokzlo13/kafkaconf/internal/config"
	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

func TestDesiredSet_ReplaceCoalesces(t *testing.T) {
	set := newDesiredSet(nil)

	set.Replace([]reconcile.DesiredConfig{{Ref: reconcile.ResourceRef{Kind: reconcile.KindTopic, Name: "a"}}})
	set.Replace([]reconcile.DesiredConfig{{Ref: reconcile.ResourceRef{Kind: reconcile.KindTopic, Name: "b"}}})

	select {
	case <-set.Changed():
	default:
		t.Fatal("Changed() did not fire after Replace")
	}
	select {
	case <-set.Changed():
		t.Error("two replacements produced two wakeups")
	default:
	}

	if got := set.Desired(); len(got) != 1 || got[0].Ref.Name != "b" {
		t.Errorf("Desired() = %v, want the latest set", got)
	}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestConfigWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kafkaconf.yaml")
	writeConfig(t, path, "configs:\n  - resource_type: topic\n    resource_name: before\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	set := newDesiredSet(nil)
	w := NewConfigWatcher(path, set, 10*time.Millisecond)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Unrelated files in the same directory are ignored
	writeConfig(t, filepath.Join(dir, "other.yaml"), "configs: []\n")
	writeConfig(t, path, "configs:\n  - resource_type: topic\n    resource_name: after\n")

	select {
	case <-set.Changed():
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the config file changed")
	}

	got := set.Desired()
	if len(got) != 1 || got[0].Ref.Name != "after" {
		t.Errorf("Desired() = %v, want topic after", got)
	}
}

func TestConfigWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kafkaconf.yaml")
	writeConfig(t, path, "configs:\n  - resource_type: group\n    resource_name: g\n")

	previous := []reconcile.DesiredConfig{{Ref: reconcile.ResourceRef{Kind: reconcile.KindTopic, Name: "kept"}}}
	set := newDesiredSet(previous)

	NewConfigWatcher(path, set, 0).reload()

	select {
	case <-set.Changed():
		t.Error("an invalid file should not wake the orchestrator")
	default:
	}
	if got := set.Desired(); len(got) != 1 || got[0].Ref.Name != "kept" {
		t.Errorf("Desired() = %v, want previous set", got)
	}
}

func TestDesiredSource(t *testing.T) {
	a, err := New(&config.Config{Reconciler: config.ReconcilerConfig{WatchConfig: true}}, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop()

	source, err := a.desiredSource(context.Background())
	if err != nil {
		t.Fatalf("desiredSource() error = %v", err)
	}
	if _, ok := source.(reconcile.StaticSource); !ok {
		t.Errorf("desiredSource() = %T, want StaticSource without a config path", source)
	}
}
