package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/forge-build/forge/internal/configdoc"
)

// TargetSpec names one directory this anchor produces and the absolute
// path it currently lives at, supplied by the module that owns the anchor
// task (e.g. buildroot's collect task names its output tree).
type TargetSpec struct {
	Name    string
	AbsPath string
}

// CaptureAnchor runs after an anchor task finishes successfully:
//  1. compute the fingerprint and lineage for this run's config selection
//  2. if a manifest already exists at that fingerprint, the capture is a
//     no-op (the anchor's output is already checkpointed)
//  3. otherwise copy every target tree into the store's payload directory
//  4. write the manifest and update the index
//  5. if the point's upload policy is not "off", push to the backend and
//     record the outcome (uploaded or failed) in the upload queue
func CaptureAnchor(ctx context.Context, store *Store, point PointConfig, doc *configdoc.Doc, targets []TargetSpec, cfg *Config, cmd RunCmdFunc) (*Manifest, error) {
	fingerprint, selected, err := ComputeFingerprint(point, doc)
	if err != nil {
		return nil, err
	}
	lineage := ComputeLineage(point.AnchorTask, fingerprint)

	if store.HasManifest(point.ID, fingerprint) {
		return store.LoadManifest(point.ID, fingerprint)
	}

	entries := make([]TargetEntry, 0, len(targets))
	for _, t := range targets {
		rel := t.Name
		dst := store.payloadDirFor(point.ID, fingerprint, rel)
		if err := copyTree(t.AbsPath, dst); err != nil {
			return nil, fmt.Errorf("checkpoint: capturing target %q for point %q: %w", t.Name, point.ID, err)
		}
		entries = append(entries, TargetEntry{Name: t.Name, PayloadRel: rel})
	}
	if err := store.WritePayloadTar(point.ID, fingerprint); err != nil {
		return nil, fmt.Errorf("checkpoint: packing payload for point %q: %w", point.ID, err)
	}

	m := &Manifest{
		Version:           manifestVersion,
		ID:                point.ID,
		AnchorTask:        point.AnchorTask,
		Fingerprint:       fingerprint,
		Lineage:           lineage,
		CreatedAt:         time.Now().UTC().Format(time.RFC3339),
		TrustMode:         point.TrustMode,
		FingerprintInputs: selected,
		Targets:           entries,
	}
	if err := store.SaveManifest(point.ID, fingerprint, m); err != nil {
		return nil, err
	}
	if err := store.UpdateIndex(func(idx *Index) error {
		idx.Points[point.ID] = IndexEntry{
			ID:                point.ID,
			AnchorTask:        point.AnchorTask,
			LatestFingerprint: fingerprint,
			LatestManifestRel: manifestRelPath(point.ID, fingerprint),
			UpdatedAt:         m.CreatedAt,
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if point.UploadPolicy == UploadOff {
		return m, nil
	}
	if err := enqueueAndAttemptUpload(ctx, store, cfg, point, fingerprint, cmd); err != nil {
		return m, err
	}
	return m, nil
}

func manifestRelPath(id, fingerprint string) string {
	return id + "/" + fingerprint + "/manifest.json"
}

func (s *Store) payloadDirFor(id, fingerprint, targetName string) string {
	return s.payloadDir(id, fingerprint) + "/" + targetName
}

// enqueueAndAttemptUpload attempts the upload for this capture and records
// the outcome in the upload queue: an existing entry for the same point and
// fingerprint is updated in place, otherwise a new entry is appended. A
// failed attempt is stored in the failed state so RetryPendingUploads can
// retry it later; it is never dropped from the queue.
func enqueueAndAttemptUpload(ctx context.Context, store *Store, cfg *Config, point PointConfig, fingerprint string, cmd RunCmdFunc) error {
	objectRelDir := point.ID + "/" + fingerprint

	backend, berr := ResolveBackend(cfg, point.Backend, cmd)
	now := time.Now().UTC().Format(time.RFC3339)

	state := QueuePending
	lastErr := ""
	if berr != nil {
		state = QueueFailed
		lastErr = berr.Error()
	} else if err := backend.Upload(ctx, store.PointDir(point.ID, fingerprint), objectRelDir); err != nil {
		state = QueueFailed
		lastErr = err.Error()
	} else {
		state = QueueUploaded
	}

	backendRef := point.Backend
	return store.UpdateQueue(func(q *UploadQueue) error {
		for i := range q.Entries {
			if q.Entries[i].ID == point.ID && q.Entries[i].Fingerprint == fingerprint {
				q.Entries[i].State = state
				q.Entries[i].Attempts++
				q.Entries[i].LastError = lastErr
				q.Entries[i].UpdatedAt = now
				return nil
			}
		}
		q.Entries = append(q.Entries, QueueEntry{
			ID:           point.ID,
			AnchorTask:   point.AnchorTask,
			Fingerprint:  fingerprint,
			BackendRef:   backendRef,
			ObjectRelDir: objectRelDir,
			State:        state,
			Attempts:     1,
			LastError:    lastErr,
			UpdatedAt:    now,
		})
		return nil
	})
}
