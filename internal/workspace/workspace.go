// Package workspace resolves the user-visible roots (root/build/out and
// named aliases), creates and cleans them, and validates that derived
// paths stay inside root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/forge-build/forge/internal/configdoc"
)

// CleanMode controls what InitDirs removes before (re)creating directories.
type CleanMode string

const (
	CleanNone  CleanMode = "none"
	CleanBuild CleanMode = "build"
	CleanOut   CleanMode = "out"
	CleanAll   CleanMode = "all"
)

// Config mirrors the [workspace] table.
type Config struct {
	Root     string            `toml:"root"`
	BuildDir string            `toml:"build_dir"`
	OutDir   string            `toml:"out_dir"`
	Dirs     map[string]string `toml:"dirs"`
	Clean    CleanMode         `toml:"clean"`
}

// Paths is the resolved, absolute workspace layout.
type Paths struct {
	Root     string
	BuildDir string
	OutDir   string
	Named    map[string]string
}

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const defaultBuildDirName = "build"
const defaultOutDirName = "out"

// LoadPaths resolves the [workspace] table into absolute paths without
// touching the filesystem.
func LoadPaths(doc *configdoc.Doc) (*Paths, error) {
	cfg, ok, err := configdoc.DeserializeAt[Config](doc, "workspace")
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !ok || cfg.Root == "" {
		return nil, fmt.Errorf("workspace: [workspace].root is required")
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root: %w", err)
	}

	buildDir := cfg.BuildDir
	if buildDir == "" {
		buildDir = defaultBuildDirName
	}
	outDir := cfg.OutDir
	if outDir == "" {
		outDir = defaultOutDirName
	}

	p := &Paths{
		Root:     root,
		BuildDir: joinUnderRoot(root, buildDir),
		OutDir:   joinUnderRoot(root, outDir),
		Named:    map[string]string{},
	}

	for alias, rel := range cfg.Dirs {
		if alias == "root" || alias == "build" || alias == "out" {
			return nil, fmt.Errorf("workspace: %q is a reserved alias", alias)
		}
		if !aliasPattern.MatchString(alias) {
			return nil, fmt.Errorf("workspace: invalid alias %q, must match [A-Za-z0-9_-]+", alias)
		}
		p.Named[alias] = joinUnderRoot(root, rel)
	}

	return p, nil
}

func joinUnderRoot(root, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(root, rel)
}

// InitDirs applies the configured clean policy and (re)creates build_dir
// and out_dir.
func InitDirs(doc *configdoc.Doc) (*Paths, error) {
	cfg, ok, err := configdoc.DeserializeAt[Config](doc, "workspace")
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !ok {
		cfg = &Config{}
	}

	p, err := LoadPaths(doc)
	if err != nil {
		return nil, err
	}

	switch cfg.Clean {
	case CleanBuild:
		if err := safeRemoveDirAll(p.Root, p.BuildDir); err != nil {
			return nil, err
		}
	case CleanOut:
		if err := safeRemoveDirAll(p.Root, p.OutDir); err != nil {
			return nil, err
		}
	case CleanAll:
		if err := safeRemoveDirAll(p.Root, p.BuildDir); err != nil {
			return nil, err
		}
		if err := safeRemoveDirAll(p.Root, p.OutDir); err != nil {
			return nil, err
		}
	case CleanNone, "":
	default:
		return nil, fmt.Errorf("workspace: unknown clean policy %q", cfg.Clean)
	}

	if err := os.MkdirAll(p.BuildDir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating build dir: %w", err)
	}
	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating out dir: %w", err)
	}

	return p, nil
}

// ResolveConfigPath accepts "@alias" / "@alias/rest", an absolute path
// (used as-is), or a relative path (joined onto root).
func (p *Paths) ResolveConfigPath(raw string) (string, error) {
	if strings.HasPrefix(raw, "@") {
		rest := raw[1:]
		alias := rest
		suffix := ""
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			alias = rest[:idx]
			suffix = rest[idx+1:]
		}

		var base string
		switch alias {
		case "root":
			base = p.Root
		case "build":
			base = p.BuildDir
		case "out":
			base = p.OutDir
		default:
			named, ok := p.Named[alias]
			if !ok {
				return "", fmt.Errorf("workspace: unknown alias %q", alias)
			}
			base = named
		}

		if suffix == "" {
			return base, nil
		}
		return filepath.Join(base, suffix), nil
	}

	if filepath.IsAbs(raw) {
		return raw, nil
	}
	return filepath.Join(p.Root, raw), nil
}

// ResolveUnderBuild rejects ".." components and any resolution escaping root.
func (p *Paths) ResolveUnderBuild(rel string) (string, error) {
	return p.resolveUnder(p.BuildDir, rel)
}

// ResolveUnderOut rejects ".." components and any resolution escaping root.
func (p *Paths) ResolveUnderOut(rel string) (string, error) {
	return p.resolveUnder(p.OutDir, rel)
}

func (p *Paths) resolveUnder(base, rel string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", fmt.Errorf("workspace: %q must not contain \"..\"", rel)
		}
	}

	joined := filepath.Join(base, rel)
	if err := ensureWithinRoot(p.Root, joined); err != nil {
		return "", err
	}
	return joined, nil
}

func ensureWithinRoot(root, target string) error {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	rootWithSep := root + string(filepath.Separator)
	if target != root && !strings.HasPrefix(target+string(filepath.Separator), rootWithSep) {
		return fmt.Errorf("workspace: path %q escapes root %q", target, root)
	}
	return nil
}

// safeRemoveDirAll canonicalizes both root and target and refuses to
// remove anything that is not a descendant of root.
func safeRemoveDirAll(root, target string) error {
	if err := ensureWithinRoot(root, target); err != nil {
		return fmt.Errorf("workspace: cleanup refused: %w", err)
	}
	if filepath.Clean(target) == filepath.Clean(root) {
		return fmt.Errorf("workspace: cleanup refused: %q is the workspace root itself", target)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("workspace: removing %q: %w", target, err)
	}
	return nil
}
