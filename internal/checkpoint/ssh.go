package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
)

// sshBackend shells out to the ssh and scp binaries.
type sshBackend struct {
	name string
	cfg  SSHBackendConfig
	cmd  RunCmdFunc
}

func newSSHBackend(name string, cfg SSHBackendConfig, cmd RunCmdFunc) *sshBackend {
	return &sshBackend{name: name, cfg: cfg, cmd: cmd}
}

func (b *sshBackend) Name() string { return "ssh:" + b.name }

func (b *sshBackend) target() string {
	if b.cfg.User != "" {
		return b.cfg.User + "@" + b.cfg.Host
	}
	return b.cfg.Host
}

func (b *sshBackend) remoteDir(objectRelDir string) string {
	return path.Join(b.cfg.Path, b.cfg.Prefix, objectRelDir)
}

func (b *sshBackend) Exists(ctx context.Context, objectRelDir string) (bool, error) {
	remote := b.remoteDir(objectRelDir)
	err := b.cmd(ctx, "checkpoint.backend."+b.name, ".", "ssh",
		[]string{b.target(), "test", "-f", path.Join(remote, "manifest.json")}, nil)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (b *sshBackend) Upload(ctx context.Context, localDir, objectRelDir string) error {
	remote := b.remoteDir(objectRelDir)
	if err := b.cmd(ctx, "checkpoint.backend."+b.name, ".", "ssh",
		[]string{b.target(), "mkdir", "-p", remote}, nil); err != nil {
		return fmt.Errorf("checkpoint: ssh mkdir on %s: %w", b.target(), err)
	}
	if err := b.cmd(ctx, "checkpoint.backend."+b.name, localDir, "scp",
		[]string{"manifest.json", "payload.tar", b.target() + ":" + remote + "/"}, nil); err != nil {
		return fmt.Errorf("checkpoint: scp upload to %s:%s: %w", b.target(), remote, err)
	}
	return nil
}

func (b *sshBackend) Download(ctx context.Context, objectRelDir, localDir string) error {
	remote := b.remoteDir(objectRelDir)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", localDir, err)
	}
	if err := b.cmd(ctx, "checkpoint.backend."+b.name, localDir, "scp",
		[]string{
			b.target() + ":" + path.Join(remote, "manifest.json"),
			b.target() + ":" + path.Join(remote, "payload.tar"),
			".",
		}, nil); err != nil {
		return fmt.Errorf("checkpoint: scp download from %s:%s: %w", b.target(), remote, err)
	}
	return nil
}

// ListFingerprints parses a remote "ls" of the point's directory, one
// fingerprint name per line.
func (b *sshBackend) ListFingerprints(ctx context.Context, id string) ([]string, error) {
	remote := path.Join(b.cfg.Path, b.cfg.Prefix, id)
	out, err := captureCmd(ctx, b.cmd, "checkpoint.backend."+b.name,
		fmt.Sprintf("ssh %s ls %s", shellQuote(b.target()), shellQuote(remote)), nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing %s:%s: %w", b.target(), remote, err)
	}

	var fingerprints []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			fingerprints = append(fingerprints, line)
		}
	}
	return fingerprints, nil
}
