// Package util holds the small naming and path helpers shared by the
// concrete build modules: build name/version substitution into artifact
// file names, and the handful of workspace sub-paths every module agrees
// on (the staging root, the artifact registry, a module's own scratch
// directory) so no two modules invent their own layout.
package util

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/workspace"
)

// BuildName returns the image's name from [workspace].name, defaulting to
// "image" when unset.
func BuildName(doc *configdoc.Doc) string {
	if v, ok := doc.ValueAt("workspace.name"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "image"
}

// BuildVersion returns the image's version from [workspace].version,
// defaulting to "0.0.0" when unset.
func BuildVersion(doc *configdoc.Doc) string {
	if v, ok := doc.ValueAt("workspace.version"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "0.0.0"
}

// ExpandBuildTemplate substitutes "{name}" and "{version}" in tmpl.
func ExpandBuildTemplate(tmpl, name, version string) string {
	r := strings.NewReplacer("{name}", name, "{version}", version)
	return r.Replace(tmpl)
}

// GaiaRunDir is the per-run scratch directory under build_dir, named for
// the upstream build framework's own run-local state (lock files,
// partial downloads) so it never collides with a module's own directory.
func GaiaRunDir(ws *workspace.Paths) string {
	return filepath.Join(ws.BuildDir, "run")
}

// StageRootDir is the staging tree the stage module renders overlays and
// systemd units into. No buildroot task reads from it.
func StageRootDir(ws *workspace.Paths) string {
	return filepath.Join(ws.BuildDir, "stage")
}

// ArtifactRegistryDir is where collected and installed artifacts are
// copied for final packaging, and what the checkpoint engine captures at
// the buildroot.build anchor.
func ArtifactRegistryDir(ws *workspace.Paths) string {
	return filepath.Join(ws.OutDir, "artifacts")
}

// ModuleDir is a module's own scratch directory under build_dir, e.g. the
// buildroot module's checked-out source tree.
func ModuleDir(ws *workspace.Paths, moduleID string) string {
	return filepath.Join(ws.BuildDir, "modules", moduleID)
}

// ValidateRelLikePath rejects an absolute path or one containing a ".."
// component, the same rule Workspace applies to user-supplied relative
// paths.
func ValidateRelLikePath(rel string) error {
	if filepath.IsAbs(rel) {
		return fmt.Errorf("util: path %q must be relative", rel)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return fmt.Errorf("util: path %q must not contain \"..\"", rel)
		}
	}
	return nil
}

// StagePath joins rel onto the stage root after validating it.
func StagePath(ws *workspace.Paths, rel string) (string, error) {
	if err := ValidateRelLikePath(rel); err != nil {
		return "", err
	}
	return filepath.Join(StageRootDir(ws), rel), nil
}
