package util

import (
	"path/filepath"
	"testing"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/workspace"
)

func testDoc(extra map[string]interface{}) *configdoc.Doc {
	value := map[string]interface{}{
		"workspace": map[string]interface{}{"root": "/root"},
	}
	for k, v := range extra {
		value[k] = v
	}
	return &configdoc.Doc{Path: "build.toml", Value: value}
}

func TestBuildNameAndVersionDefaults(t *testing.T) {
	doc := testDoc(nil)
	if got := BuildName(doc); got != "image" {
		t.Fatalf("BuildName default = %q, want image", got)
	}
	if got := BuildVersion(doc); got != "0.0.0" {
		t.Fatalf("BuildVersion default = %q, want 0.0.0", got)
	}
}

func TestBuildNameAndVersionFromConfig(t *testing.T) {
	doc := testDoc(map[string]interface{}{
		"workspace": map[string]interface{}{"root": "/root", "name": "rpi-gateway", "version": "1.2.3"},
	})
	if got := BuildName(doc); got != "rpi-gateway" {
		t.Fatalf("BuildName = %q, want rpi-gateway", got)
	}
	if got := BuildVersion(doc); got != "1.2.3" {
		t.Fatalf("BuildVersion = %q, want 1.2.3", got)
	}
}

func TestExpandBuildTemplate(t *testing.T) {
	got := ExpandBuildTemplate("{name}-{version}.img", "gateway", "1.0.0")
	if want := "gateway-1.0.0.img"; got != want {
		t.Fatalf("ExpandBuildTemplate = %q, want %q", got, want)
	}
}

func TestValidateRelLikePathRejectsEscapes(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"a/b.txt", true},
		{"/abs/path", false},
		{"a/../../etc/passwd", false},
		{"..", false},
	}
	for _, c := range cases {
		err := ValidateRelLikePath(c.path)
		if c.ok && err != nil {
			t.Errorf("ValidateRelLikePath(%q) = %v, want nil", c.path, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ValidateRelLikePath(%q) = nil, want error", c.path)
		}
	}
}

func TestStagePathJoinsUnderStageRoot(t *testing.T) {
	ws := &workspace.Paths{Root: "/root", BuildDir: "/root/build", OutDir: "/root/out"}
	got, err := StagePath(ws, "etc/hostname")
	if err != nil {
		t.Fatalf("StagePath: %v", err)
	}
	want := filepath.Join(StageRootDir(ws), "etc/hostname")
	if got != want {
		t.Fatalf("StagePath = %q, want %q", got, want)
	}

	if _, err := StagePath(ws, "../escape"); err == nil {
		t.Fatalf("expected StagePath to reject a path escaping the stage root")
	}
}

func TestArtifactRegistryAndModuleDirsAreDistinct(t *testing.T) {
	ws := &workspace.Paths{Root: "/root", BuildDir: "/root/build", OutDir: "/root/out"}
	artifacts := ArtifactRegistryDir(ws)
	module := ModuleDir(ws, "buildroot")
	if artifacts == module {
		t.Fatalf("ArtifactRegistryDir and ModuleDir must not collide: %q", artifacts)
	}
	if filepath.Dir(artifacts) != ws.OutDir {
		t.Fatalf("ArtifactRegistryDir must live under OutDir, got %q", artifacts)
	}
}
