package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// s3Backend shells out to the aws CLI, matching the rest of this codebase's
// preference for driving external tools as subprocesses rather than
// vendoring a cloud SDK that nothing else in this module needs.
type s3Backend struct {
	name string
	cfg  S3BackendConfig
	cmd  RunCmdFunc
}

func newS3Backend(name string, cfg S3BackendConfig, cmd RunCmdFunc) *s3Backend {
	return &s3Backend{name: name, cfg: cfg, cmd: cmd}
}

func (b *s3Backend) Name() string { return "s3:" + b.name }

func (b *s3Backend) objectURI(objectRelDir string) string {
	key := path.Join(b.cfg.Prefix, objectRelDir)
	return fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, key)
}

func (b *s3Backend) env() map[string]string {
	env := map[string]string{}
	if b.cfg.Region != "" {
		env["AWS_DEFAULT_REGION"] = b.cfg.Region
	}
	if b.cfg.AccessKeyIDEnv != "" {
		if v, ok := os.LookupEnv(b.cfg.AccessKeyIDEnv); ok {
			env["AWS_ACCESS_KEY_ID"] = v
		}
	}
	if b.cfg.SecretAccessKeyEnv != "" {
		if v, ok := os.LookupEnv(b.cfg.SecretAccessKeyEnv); ok {
			env["AWS_SECRET_ACCESS_KEY"] = v
		}
	}
	return env
}

func (b *s3Backend) Exists(ctx context.Context, objectRelDir string) (bool, error) {
	err := b.cmd(ctx, "checkpoint.backend."+b.name, ".", "aws",
		[]string{"s3", "ls", b.objectURI(objectRelDir) + "/manifest.json"}, b.env())
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (b *s3Backend) Upload(ctx context.Context, localDir, objectRelDir string) error {
	uri := b.objectURI(objectRelDir)
	for _, name := range []string{"manifest.json", "payload.tar"} {
		if err := b.cmd(ctx, "checkpoint.backend."+b.name, ".", "aws",
			[]string{"s3", "cp", filepath.Join(localDir, name), uri + "/" + name}, b.env()); err != nil {
			return fmt.Errorf("checkpoint: s3 upload %s to %s: %w", name, uri, err)
		}
	}
	return nil
}

func (b *s3Backend) Download(ctx context.Context, objectRelDir, localDir string) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", localDir, err)
	}
	uri := b.objectURI(objectRelDir)
	for _, name := range []string{"manifest.json", "payload.tar"} {
		if err := b.cmd(ctx, "checkpoint.backend."+b.name, ".", "aws",
			[]string{"s3", "cp", uri + "/" + name, filepath.Join(localDir, name)}, b.env()); err != nil {
			return fmt.Errorf("checkpoint: s3 download %s from %s: %w", name, uri, err)
		}
	}
	return nil
}

// ListFingerprints parses "aws s3 ls" common-prefix output (lines of the
// form "PRE <fingerprint>/") for the point's directory.
func (b *s3Backend) ListFingerprints(ctx context.Context, id string) ([]string, error) {
	uri := fmt.Sprintf("s3://%s/%s/", b.cfg.Bucket, path.Join(b.cfg.Prefix, id))
	out, err := captureCmd(ctx, b.cmd, "checkpoint.backend."+b.name,
		fmt.Sprintf("aws s3 ls %s", shellQuote(uri)), b.env())
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing %s: %w", uri, err)
	}

	var fingerprints []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		name, ok := strings.CutPrefix(line, "PRE ")
		if !ok {
			continue
		}
		name = strings.TrimSuffix(name, "/")
		if name != "" {
			fingerprints = append(fingerprints, name)
		}
	}
	return fingerprints, nil
}
