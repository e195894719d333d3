package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forge-build/forge/internal/configdoc"
)

func loadDoc(t *testing.T, toml string) *configdoc.Doc {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "build.toml")
	if err := os.WriteFile(p, []byte(toml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := configdoc.Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return doc
}

func TestLoadPathsResolvesNamedDirs(t *testing.T) {
	root := t.TempDir()
	doc := loadDoc(t, `
[workspace]
root = "`+root+`"

[workspace.dirs]
overlays = "files/overlays"
`)

	p, err := LoadPaths(doc)
	if err != nil {
		t.Fatalf("LoadPaths: %v", err)
	}
	if p.BuildDir != filepath.Join(root, "build") {
		t.Fatalf("unexpected build dir: %s", p.BuildDir)
	}
	if p.Named["overlays"] != filepath.Join(root, "files/overlays") {
		t.Fatalf("unexpected named dir: %v", p.Named)
	}
}

func TestLoadPathsRejectsReservedAlias(t *testing.T) {
	root := t.TempDir()
	doc := loadDoc(t, `
[workspace]
root = "`+root+`"

[workspace.dirs]
build = "x"
`)
	if _, err := LoadPaths(doc); err == nil {
		t.Fatalf("expected reserved alias error")
	}
}

func TestResolveUnderBuildRejectsEscape(t *testing.T) {
	root := t.TempDir()
	doc := loadDoc(t, `
[workspace]
root = "`+root+`"
`)
	p, err := LoadPaths(doc)
	if err != nil {
		t.Fatalf("LoadPaths: %v", err)
	}

	if _, err := p.ResolveUnderBuild("../escape"); err == nil {
		t.Fatalf("expected error for .. component")
	}
}

func TestResolveConfigPathAlias(t *testing.T) {
	root := t.TempDir()
	doc := loadDoc(t, `
[workspace]
root = "`+root+`"

[workspace.dirs]
cache = "cache"
`)
	p, err := LoadPaths(doc)
	if err != nil {
		t.Fatalf("LoadPaths: %v", err)
	}

	got, err := p.ResolveConfigPath("@cache/foo.bin")
	if err != nil {
		t.Fatalf("ResolveConfigPath: %v", err)
	}
	want := filepath.Join(root, "cache", "foo.bin")
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestInitDirsCleansBuild(t *testing.T) {
	root := t.TempDir()
	doc := loadDoc(t, `
[workspace]
root = "`+root+`"
clean = "build"
`)

	buildDir := filepath.Join(root, "build")
	stale := filepath.Join(buildDir, "stale.txt")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	p, err := InitDirs(doc)
	if err != nil {
		t.Fatalf("InitDirs: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, stat err=%v", err)
	}
	if _, err := os.Stat(p.BuildDir); err != nil {
		t.Fatalf("expected build dir recreated: %v", err)
	}
}
