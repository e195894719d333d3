package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"
)

// httpBackend speaks to a plain HTTP object store over a blocking client:
// each point is two named objects, manifest.json and payload.tar, PUT/GET/
// HEAD individually at <base_url>/<prefix>/<id>/<fingerprint>/<name>.
type httpBackend struct {
	name   string
	cfg    HTTPBackendConfig
	client *http.Client
}

func newHTTPBackend(name string, cfg HTTPBackendConfig) *httpBackend {
	return &httpBackend{name: name, cfg: cfg, client: &http.Client{Timeout: 5 * time.Minute}}
}

func (b *httpBackend) Name() string { return "http:" + b.name }

func (b *httpBackend) objectDirURL(objectRelDir string) string {
	return trimTrailingSlash(b.cfg.BaseURL) + "/" + path.Join(b.cfg.Prefix, objectRelDir)
}

func trimTrailingSlash(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base
}

func (b *httpBackend) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	return req, nil
}

func (b *httpBackend) Exists(ctx context.Context, objectRelDir string) (bool, error) {
	url := b.objectDirURL(objectRelDir) + "/manifest.json"
	req, err := b.newRequest(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("checkpoint: building HEAD request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("checkpoint: HEAD %s: %w", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (b *httpBackend) Upload(ctx context.Context, localDir, objectRelDir string) error {
	for _, name := range []string{"manifest.json", "payload.tar"} {
		url := b.objectDirURL(objectRelDir) + "/" + name
		if err := b.putFile(ctx, filepath.Join(localDir, name), url); err != nil {
			return err
		}
	}
	return nil
}

func (b *httpBackend) putFile(ctx context.Context, localPath, url string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("checkpoint: opening %s: %w", localPath, err)
	}
	defer f.Close()

	req, err := b.newRequest(ctx, http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("checkpoint: building PUT request: %w", err)
	}
	if info, statErr := f.Stat(); statErr == nil {
		req.ContentLength = info.Size()
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("checkpoint: PUT %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("checkpoint: PUT %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (b *httpBackend) Download(ctx context.Context, objectRelDir, localDir string) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", localDir, err)
	}
	for _, name := range []string{"manifest.json", "payload.tar"} {
		url := b.objectDirURL(objectRelDir) + "/" + name
		if err := b.getFile(ctx, url, filepath.Join(localDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (b *httpBackend) getFile(ctx context.Context, url, localPath string) error {
	req, err := b.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: building GET request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("checkpoint: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("checkpoint: GET %s: status %d", url, resp.StatusCode)
	}
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: writing %s: %w", localPath, err)
	}
	return f.Close()
}

// ListFingerprints asks the object store for every fingerprint captured
// under id via the "?list=1" convention. A 200 response is accepted in
// either of two shapes: a bare JSON array of fingerprint strings, or
// {"fingerprints": [...]}. A response matching neither shape is treated as
// an empty list rather than an error.
func (b *httpBackend) ListFingerprints(ctx context.Context, id string) ([]string, error) {
	url := trimTrailingSlash(b.cfg.BaseURL) + "/" + path.Join(b.cfg.Prefix, id) + "/?list=1"
	req, err := b.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: building list request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checkpoint: GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading list response: %w", err)
	}

	var bare []string
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var wrapped struct {
		Fingerprints []string `json:"fingerprints"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Fingerprints, nil
	}
	return nil, nil
}
