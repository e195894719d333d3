package checkpoint

import (
	"context"
	"time"
)

// RetryPendingUploads walks the upload queue and re-attempts every entry
// not already in the uploaded state, updating each in place. Entries are
// never removed from the queue, so a persistently failing upload stays
// visible across runs.
func RetryPendingUploads(ctx context.Context, store *Store, cfg *Config, cmd RunCmdFunc) (*RetryReport, error) {
	report := &RetryReport{}

	err := store.UpdateQueue(func(q *UploadQueue) error {
		for i := range q.Entries {
			e := &q.Entries[i]
			if e.State == QueueUploaded {
				continue
			}
			report.Attempted++

			backend, err := ResolveBackend(cfg, e.BackendRef, cmd)
			if err != nil {
				e.State = QueueFailed
				e.Attempts++
				e.LastError = err.Error()
				e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
				report.Failed++
				continue
			}

			localDir := store.PointDir(e.ID, e.Fingerprint)
			if err := backend.Upload(ctx, localDir, e.ObjectRelDir); err != nil {
				e.State = QueueFailed
				e.Attempts++
				e.LastError = err.Error()
				e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
				report.Failed++
				continue
			}

			e.State = QueueUploaded
			e.Attempts++
			e.LastError = ""
			e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			report.Uploaded++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
