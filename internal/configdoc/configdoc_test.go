package configdoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadMergesExtendsAndImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.toml", `
[workspace]
root = "/base"

[a]
x = 1
y = 1
`)
	writeFile(t, dir, "extra.toml", `
[a]
y = 2
z = 3
`)
	leaf := writeFile(t, dir, "leaf.toml", `
extends = "base.toml"
imports = ["extra.toml"]

[a]
z = 99
`)

	doc, err := Load(leaf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := doc.Value["extends"]; ok {
		t.Fatalf("extends key should not remain after resolution")
	}
	if _, ok := doc.Value["imports"]; ok {
		t.Fatalf("imports key should not remain after resolution")
	}

	want := map[string]interface{}{
		"x": int64(1),
		"y": int64(2),
		"z": int64(99),
	}
	got, ok := doc.TableAt("a")
	if !ok {
		t.Fatalf("table a missing")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merged table mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDetectsImportCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.toml", `imports = ["b.toml"]`)
	writeFile(t, dir, "b.toml", `imports = ["a.toml"]`)

	_, err := Load(filepath.Join(dir, "a.toml"))
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if got := err.Error(); !containsAll(got, "config import cycle detected") {
		t.Fatalf("error %q does not mention cycle", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})())
}

func TestDeserializeAtBindsDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.toml", `
[buildroot]
enabled = true
performance_profile = "balanced"
`)
	doc, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	type buildrootCfg struct {
		Enabled             bool   `toml:"enabled"`
		PerformanceProfile  string `toml:"performance_profile"`
	}

	cfg, ok, err := DeserializeAt[buildrootCfg](doc, "buildroot")
	if err != nil {
		t.Fatalf("DeserializeAt: %v", err)
	}
	if !ok {
		t.Fatalf("expected table present")
	}
	if !cfg.Enabled || cfg.PerformanceProfile != "balanced" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}

	_, ok, err = DeserializeAt[buildrootCfg](doc, "missing")
	if err != nil {
		t.Fatalf("DeserializeAt missing: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing table")
	}
}
