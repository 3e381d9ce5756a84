package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"locallab/internal/bookkeeping"
	"locallab/pkg/types"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestModelsCommandListsBuiltins(t *testing.T) {
	out, err := run(t, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "qwen-0.5b") || !strings.Contains(out, "FALLBACK") {
		t.Fatalf("output=%q", out)
	}
}

func TestModelsCommandReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	reg := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(reg, []byte("models:\n  - id: custom-model\n    source_id: org/custom\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "locallab.yaml")
	if err := os.WriteFile(cfgPath, []byte("registry_file: "+reg+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "--config", cfgPath, "models", "--json")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, `"custom-model"`) {
		t.Fatalf("overlay entry missing: %q", out)
	}
}

func TestHistoryCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	store, err := bookkeeping.Open(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := store.RecordLoad(ctx, types.ModelInfo{ID: "qwen-0.5b", Device: types.DeviceCPU, LoadedAt: time.Now()}, time.Second); err != nil {
		t.Fatal(err)
	}
	store.Close()

	t.Setenv("LOCALLAB_BOOKKEEPING_DB", db)
	out, err := run(t, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "qwen-0.5b") || !strings.Contains(out, "load") {
		t.Fatalf("output=%q", out)
	}
	out, err = run(t, "history", "--usage")
	if err != nil || !strings.Contains(out, "LOADS") {
		t.Fatalf("usage: %q %v", out, err)
	}
}

func TestHistoryRequiresDatabase(t *testing.T) {
	t.Setenv("LOCALLAB_BOOKKEEPING_DB", "")
	if _, err := run(t, "history"); err == nil {
		t.Fatalf("expected error without a database")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	if l := newLogger("debug", false, &bytes.Buffer{}); l.GetLevel().String() != "debug" {
		t.Fatalf("level=%s", l.GetLevel())
	}
	if l := newLogger("bogus", true, &bytes.Buffer{}); l.GetLevel().String() != "info" {
		t.Fatalf("bad level should fall back to info")
	}
}
