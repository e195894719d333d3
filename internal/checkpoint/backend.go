package checkpoint

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// RunCmdFunc matches the executor's subprocess launcher signature (see
// registry.RunCmdFunc): taskID labels log lines, dir is the working
// directory, env is merged onto the parent environment.
type RunCmdFunc func(ctx context.Context, taskID, dir, name string, args []string, env map[string]string) error

// Backend is a pluggable checkpoint remote: each object directory holds
// exactly two named objects, manifest.json and payload.tar, addressed by a
// relative path under the backend's configured prefix.
type Backend interface {
	// Name identifies the backend for logging, e.g. "s3:artifacts".
	Name() string
	// Exists reports whether objectRelDir's manifest.json is present remotely.
	Exists(ctx context.Context, objectRelDir string) (bool, error)
	// Upload pushes localDir's manifest.json and payload.tar to objectRelDir.
	Upload(ctx context.Context, localDir, objectRelDir string) error
	// Download pulls objectRelDir's manifest.json and payload.tar into localDir.
	Download(ctx context.Context, objectRelDir, localDir string) error
	// ListFingerprints enumerates every fingerprint captured remotely for
	// the point named id.
	ListFingerprints(ctx context.Context, id string) ([]string, error)
}

// ResolveBackend parses a "kind:name" reference (or a bare name, if it is
// unambiguous across the three backend kinds) and returns the configured
// Backend. cmd runs subprocesses for the s3/ssh backends; it is the same
// RunCmdFunc task bodies use, so backend I/O inherits the cancellation and
// log-sanitizing discipline of the rest of the executor.
func ResolveBackend(cfg *Config, ref string, cmd RunCmdFunc) (Backend, error) {
	kind, name, explicit := strings.Cut(ref, ":")
	if !explicit {
		return resolveBareBackend(cfg, ref, cmd)
	}
	switch kind {
	case "s3":
		c, ok := cfg.S3[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown s3 backend %q", name)
		}
		return newS3Backend(name, c, cmd), nil
	case "http":
		c, ok := cfg.HTTP[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown http backend %q", name)
		}
		return newHTTPBackend(name, c), nil
	case "ssh":
		c, ok := cfg.SSH[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown ssh backend %q", name)
		}
		return newSSHBackend(name, c, cmd), nil
	default:
		return nil, fmt.Errorf("checkpoint: unknown backend kind %q in %q", kind, ref)
	}
}

func resolveBareBackend(cfg *Config, name string, cmd RunCmdFunc) (Backend, error) {
	var matches []Backend
	if c, ok := cfg.S3[name]; ok {
		matches = append(matches, newS3Backend(name, c, cmd))
	}
	if c, ok := cfg.HTTP[name]; ok {
		matches = append(matches, newHTTPBackend(name, c))
	}
	if c, ok := cfg.SSH[name]; ok {
		matches = append(matches, newSSHBackend(name, c, cmd))
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("checkpoint: no backend named %q (qualify with s3:/http:/ssh:)", name)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("checkpoint: backend name %q is ambiguous across multiple kinds, qualify with s3:/http:/ssh:", name)
	}
}

// captureCmd runs shellCmd through cmd with its stdout redirected to a temp
// file and read back, since RunCmdFunc streams subprocess output to the
// task log sink rather than returning it. This is the one place in the
// package that needs a subprocess's stdout: the s3/ssh backends' directory
// listings behind ListFingerprints.
func captureCmd(ctx context.Context, cmd RunCmdFunc, taskID, shellCmd string, env map[string]string) (string, error) {
	tmp, err := os.CreateTemp("", "checkpoint-list-*")
	if err != nil {
		return "", fmt.Errorf("checkpoint: creating capture temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	full := fmt.Sprintf("%s > %s", shellCmd, shellQuote(tmpPath))
	if err := cmd(ctx, taskID, ".", "sh", []string{"-c", full}, env); err != nil {
		return "", err
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", fmt.Errorf("checkpoint: reading captured output: %w", err)
	}
	return string(data), nil
}

// shellQuote wraps s in single quotes for safe use inside the "sh -c"
// strings captureCmd builds, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
