// Package buildroot plans and runs the four-task pipeline around the
// upstream build framework: fetching its source, configuring it for a
// target, invoking its build (the checkpoint anchor), and collecting its
// image output into the artifact registry. Per the spec's explicit
// out-of-scope framing for external collaborators, task bodies shell out
// to the framework's own tooling rather than reimplementing it.
package buildroot

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/forge-build/forge/internal/checkpoint"
	"github.com/forge-build/forge/internal/configdoc"
	"github.com/forge-build/forge/internal/modules/util"
	"github.com/forge-build/forge/internal/planner"
	"github.com/forge-build/forge/internal/registry"
)

// PerformanceProfile controls make parallelism and ccache use.
type PerformanceProfile string

const (
	ProfileMax      PerformanceProfile = "max"
	ProfileBalanced PerformanceProfile = "balanced"
	ProfileSafe     PerformanceProfile = "safe"
)

// ArchiveMode controls whether collect harvests the whole output tree or
// just the final image artifact.
type ArchiveMode string

const (
	ArchiveAll   ArchiveMode = "all"
	ArchiveImage ArchiveMode = "image"
)

// Config mirrors the [buildroot] table.
type Config struct {
	registry.AlwaysEnabled
	Source             string             `toml:"source"`
	Ref                string             `toml:"ref"`
	Target             string             `toml:"target"`
	Defconfig          string             `toml:"defconfig"`
	TargetFragment     string             `toml:"target_fragment"`
	PerformanceProfile PerformanceProfile `toml:"performance_profile"`
	ArchiveMode        ArchiveMode        `toml:"archive_mode"`
	ImageGlob          string             `toml:"image_glob"`
}

func (c *Config) normalized() Config {
	out := *c
	if out.PerformanceProfile == "" {
		out.PerformanceProfile = ProfileBalanced
	}
	if out.ArchiveMode == "" {
		out.ArchiveMode = ArchiveImage
	}
	if out.ImageGlob == "" {
		out.ImageGlob = "*.img"
	}
	return out
}

var fetchSpec = registry.TaskSpec[Config, *Config]{
	ID:           "buildroot.fetch",
	Module:       "buildroot",
	Phase:        "buildroot",
	Core:         true,
	DefaultLabel: "fetch upstream build framework source",
	ConfigPath:   "buildroot",
	After:        []string{"core.init"},
	Body:         fetch,
}

var configureSpec = registry.TaskSpec[Config, *Config]{
	ID:           "buildroot.configure",
	Module:       "buildroot",
	Phase:        "buildroot",
	Core:         true,
	DefaultLabel: "configure upstream build framework",
	ConfigPath:   "buildroot",
	After:        []string{"buildroot.fetch", "stage:done"},
	Body:         configure,
}

var buildSpec = registry.TaskSpec[Config, *Config]{
	ID:           "buildroot.build",
	Module:       "buildroot",
	Phase:        "buildroot",
	Core:         true,
	DefaultLabel: "build upstream image",
	ConfigPath:   "buildroot",
	After:        []string{"buildroot.configure"},
	Body:         build,
}

var collectSpec = registry.TaskSpec[Config, *Config]{
	ID:           "buildroot.collect",
	Module:       "buildroot",
	Phase:        "buildroot",
	Core:         true,
	DefaultLabel: "collect image artifacts",
	ConfigPath:   "buildroot",
	After:        []string{"buildroot.build"},
	Provides:     []string{"buildroot:image"},
	Body:         collect,
}

func srcDir(ectx *registry.ExecContext) string {
	return util.ModuleDir(ectx.Workspace, "buildroot")
}

func fetch(cfg *Config, ectx *registry.ExecContext) error {
	c := cfg.normalized()
	if c.Source == "" {
		return fmt.Errorf("buildroot.fetch: [buildroot].source is required")
	}
	dir := srcDir(ectx)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		ref := c.Ref
		if ref == "" {
			ref = "HEAD"
		}
		if err := ectx.RunCmd(ectx.Ctx, "buildroot.fetch", dir, "git", []string{"fetch", "--depth", "1", "origin", ref}, nil); err != nil {
			return err
		}
		return ectx.RunCmd(ectx.Ctx, "buildroot.fetch", dir, "git", []string{"checkout", "FETCH_HEAD"}, nil)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("buildroot.fetch: %w", err)
	}
	args := []string{"clone", "--depth", "1"}
	if c.Ref != "" {
		args = append(args, "--branch", c.Ref)
	}
	args = append(args, c.Source, dir)
	return ectx.RunCmd(ectx.Ctx, "buildroot.fetch", ectx.Workspace.BuildDir, "git", args, nil)
}

func configure(cfg *Config, ectx *registry.ExecContext) error {
	c := cfg.normalized()
	dir := srcDir(ectx)
	if c.Defconfig == "" {
		return fmt.Errorf("buildroot.configure: [buildroot].defconfig is required")
	}
	if err := ectx.RunCmd(ectx.Ctx, "buildroot.configure", dir, "make", []string{c.Defconfig}, nil); err != nil {
		return err
	}
	if c.TargetFragment == "" {
		return nil
	}
	frag, err := ectx.Workspace.ResolveConfigPath(c.TargetFragment)
	if err != nil {
		return fmt.Errorf("buildroot.configure: resolving target_fragment: %w", err)
	}
	return ectx.RunCmd(ectx.Ctx, "buildroot.configure", dir, "sh", []string{"-c", "cat " + shellQuote(frag) + " >> .config"}, nil)
}

func shellQuote(s string) string { return "'" + s + "'" }

func build(cfg *Config, ectx *registry.ExecContext) error {
	c := cfg.normalized()
	dir := srcDir(ectx)

	if skipped, err := maybeSkipForRestore(ectx); err != nil {
		return err
	} else if skipped {
		ectx.Log("buildroot.build: skipped, outputs restored from checkpoint")
		return nil
	}

	jobs := runtime.NumCPU()
	env := map[string]string{}
	switch c.PerformanceProfile {
	case ProfileSafe:
		jobs = 1
	case ProfileBalanced:
		if jobs > 1 {
			jobs = jobs / 2
			if jobs < 1 {
				jobs = 1
			}
		}
	case ProfileMax:
		if path, err := lookPathCcache(); err == nil {
			env["CCACHE_DIR"] = filepath.Join(ectx.Workspace.BuildDir, "ccache")
			env["BR2_CCACHE"] = path
		}
	}
	return ectx.RunCmd(ectx.Ctx, "buildroot.build", dir, "make", []string{fmt.Sprintf("-j%d", jobs)}, env)
}

func lookPathCcache() (string, error) { return "ccache", nil }

func maybeSkipForRestore(ectx *registry.ExecContext) (bool, error) {
	cpCfg, ok, err := configdoc.DeserializeAt[checkpoint.Config](ectx.Doc, "checkpoints")
	if err != nil {
		return false, err
	}
	if !ok || !cpCfg.Enabled {
		return false, nil
	}
	var point *checkpoint.PointConfig
	for id, p := range cpCfg.Points {
		if p.AnchorTask == "buildroot.build" {
			pc := p
			pc.ID = id
			point = &pc
			break
		}
	}
	if point == nil {
		return false, nil
	}
	storeDir, err := ectx.Workspace.ResolveUnderBuild("checkpoints")
	if err != nil {
		return false, err
	}
	store, err := checkpoint.NewStore(storeDir)
	if err != nil {
		return false, err
	}
	fingerprint, _, err := checkpoint.ComputeFingerprint(*point, ectx.Doc)
	if err != nil {
		return false, err
	}
	restored, ok := store.WasRestored(point.ID)
	return ok && restored == fingerprint, nil
}

func collect(cfg *Config, ectx *registry.ExecContext) error {
	c := cfg.normalized()
	dir := srcDir(ectx)
	outputDir := filepath.Join(dir, "output", "images")
	dest := util.ArtifactRegistryDir(ectx.Workspace)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("buildroot.collect: %w", err)
	}

	if c.ArchiveMode == ArchiveAll {
		return copyDirShallow(outputDir, dest, "")
	}
	return copyDirShallow(outputDir, dest, c.ImageGlob)
}

func copyDirShallow(src, dst, glob string) error {
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("buildroot.collect: reading %s: %w", src, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, e.Name()); !ok {
				continue
			}
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return fmt.Errorf("buildroot.collect: %w", err)
		}
		info, _ := e.Info()
		mode := os.FileMode(0o644)
		if info != nil {
			mode = info.Mode()
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, mode); err != nil {
			return fmt.Errorf("buildroot.collect: %w", err)
		}
	}
	return nil
}

// Module registers the buildroot pipeline when [buildroot] is present.
type Module struct{}

// ID implements registry.Module.
func (Module) ID() string { return "buildroot" }

// Detect implements registry.Module.
func (Module) Detect(doc *configdoc.Doc) bool { return doc.HasTable("buildroot") }

// Plan implements registry.Module.
func (Module) Plan(doc *configdoc.Doc, plan *planner.Plan) error {
	for _, s := range []*registry.TaskSpec[Config, *Config]{&fetchSpec, &configureSpec, &buildSpec, &collectSpec} {
		if err := s.Plan(doc, plan); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTasks implements registry.Module.
func (Module) RegisterTasks(r *registry.Registry) {
	_ = r.RegisterExec(fetchSpec.ID, fetchSpec.Exec)
	_ = r.RegisterExec(configureSpec.ID, configureSpec.Exec)
	_ = r.RegisterExec(buildSpec.ID, buildSpec.Exec)
	_ = r.RegisterExec(collectSpec.ID, collectSpec.Exec)
}
