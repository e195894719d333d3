package checkpoint

import (
	"context"
	"fmt"

	"github.com/forge-build/forge/internal/configdoc"
)

// MaybeRestoreAnchor decides whether an anchor task can be skipped in
// favor of a cached checkpoint:
//  1. use_policy "off" never restores
//  2. compute this run's fingerprint
//  3. a local manifest at that fingerprint is used directly
//  4. otherwise the backend is checked, and a hit is downloaded and used
//  5. a miss falls back to a normal rebuild, unless use_policy is
//     "required", which fails the build -- unless the point is marked as
//     a starting point, in which case a first-run miss is allowed through
//     as a rebuild rather than an error
//  6. trust_mode "verify" rejects a lineage that doesn't match this
//     anchor; "permissive" accepts it and proceeds. The mismatch is not
//     logged, and the returned Status.Reason is the ordinary hit reason.
func MaybeRestoreAnchor(ctx context.Context, store *Store, point PointConfig, doc *configdoc.Doc, targets []TargetSpec, cfg *Config, cmd RunCmdFunc) (*Status, error) {
	if point.UsePolicy == UseOff {
		return &Status{WillRebuild: true, Reason: string(ReasonMissing)}, nil
	}

	if err := store.RemoveRestoreMarker(point.ID); err != nil {
		return nil, err
	}

	fingerprint, _, err := ComputeFingerprint(point, doc)
	if err != nil {
		return nil, err
	}
	lineage := ComputeLineage(point.AnchorTask, fingerprint)

	if store.HasManifest(point.ID, fingerprint) {
		m, err := store.LoadManifest(point.ID, fingerprint)
		if err != nil {
			return nil, err
		}
		if err := checkLineage(point, m, lineage); err != nil {
			return nil, err
		}
		if err := store.EnsurePayloadExtracted(point.ID, fingerprint); err != nil {
			return nil, err
		}
		if err := restoreTargets(store, point.ID, fingerprint, targets); err != nil {
			return nil, err
		}
		if err := store.WriteRestoreMarker(point.ID, fingerprint); err != nil {
			return nil, err
		}
		return &Status{Exists: true, WillUse: true, Reason: string(ReasonLocalHit)}, nil
	}

	backend, berr := ResolveBackend(cfg, point.Backend, cmd)
	if berr == nil {
		objectRelDir := point.ID + "/" + fingerprint
		if exists, err := backend.Exists(ctx, objectRelDir); err == nil && exists {
			if err := backend.Download(ctx, objectRelDir, store.PointDir(point.ID, fingerprint)); err != nil {
				return nil, fmt.Errorf("checkpoint: downloading %s from %s: %w", objectRelDir, backend.Name(), err)
			}
			m, err := store.LoadManifest(point.ID, fingerprint)
			if err != nil {
				return nil, fmt.Errorf("checkpoint: downloaded object for %s missing a manifest: %w", point.ID, err)
			}
			if err := checkLineage(point, m, lineage); err != nil {
				return nil, err
			}
			if err := store.EnsurePayloadExtracted(point.ID, fingerprint); err != nil {
				return nil, err
			}
			if err := restoreTargets(store, point.ID, fingerprint, targets); err != nil {
				return nil, err
			}
			if err := store.WriteRestoreMarker(point.ID, fingerprint); err != nil {
				return nil, err
			}
			return &Status{RemoteExists: true, WillDownload: true, WillUse: true, Reason: string(ReasonRemoteHit)}, nil
		}
	}

	if point.UsePolicy == UseRequired && !point.StartingPoint.Enabled {
		return nil, fmt.Errorf("checkpoint: point %q requires a cached checkpoint but none exists locally or remotely", point.ID)
	}
	return &Status{WillRebuild: true, Reason: string(ReasonRemoteMissing)}, nil
}

func checkLineage(point PointConfig, m *Manifest, lineage string) error {
	if m.Lineage == lineage {
		return nil
	}
	if point.TrustMode == TrustPermissive {
		return nil
	}
	return fmt.Errorf("checkpoint: point %q manifest lineage mismatch (expected %s, got %s)", point.ID, lineage, m.Lineage)
}

func restoreTargets(store *Store, id, fingerprint string, targets []TargetSpec) error {
	for _, t := range targets {
		src := store.payloadDirFor(id, fingerprint, t.Name)
		if err := copyTree(src, t.AbsPath); err != nil {
			return fmt.Errorf("checkpoint: restoring target %q for point %q: %w", t.Name, id, err)
		}
	}
	return nil
}
