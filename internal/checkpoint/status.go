package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/forge-build/forge/internal/configdoc"
)

// PointStatus reports what MaybeRestoreAnchor would do for point against
// doc without performing any copy, download, or upload -- used by tests
// asserting cache-hit behavior.
func PointStatus(ctx context.Context, store *Store, point PointConfig, doc *configdoc.Doc, cfg *Config, cmd RunCmdFunc) (*Status, error) {
	if point.UsePolicy == UseOff {
		return withUploadIntent(point, &Status{WillRebuild: true, Reason: string(ReasonMissing)}), nil
	}

	fingerprint, selected, err := ComputeFingerprint(point, doc)
	if err != nil {
		return nil, err
	}

	if store.HasManifest(point.ID, fingerprint) {
		return withUploadIntent(point, &Status{Exists: true, WillUse: true, Reason: string(ReasonLocalHit)}), nil
	}

	backend, berr := ResolveBackend(cfg, point.Backend, cmd)
	if berr == nil {
		objectRelDir := point.ID + "/" + fingerprint
		if exists, err := backend.Exists(ctx, objectRelDir); err == nil && exists {
			return withUploadIntent(point, &Status{RemoteExists: true, WillDownload: true, WillUse: true, Reason: string(ReasonRemoteHit)}), nil
		}
	}

	if reason, ok := inputsChangedReason(store, point, fingerprint, selected); ok {
		return withUploadIntent(point, &Status{WillRebuild: true, Reason: reason}), nil
	}
	return withUploadIntent(point, &Status{WillRebuild: true, Reason: string(ReasonRemoteMissing)}), nil
}

// inputsChangedReason compares the newly computed selection against the
// point's previously recorded fingerprint_inputs (from the index's latest
// manifest), reporting which selected paths changed. It reports ok=false
// when there is no prior record to compare against, or the prior
// fingerprint still matches -- those cases fall through to
// ReasonRemoteMissing instead.
func inputsChangedReason(store *Store, point PointConfig, fingerprint string, selected map[string]interface{}) (string, bool) {
	idx, err := store.LoadIndex()
	if err != nil {
		return "", false
	}
	prior, ok := idx.Points[point.ID]
	if !ok || prior.LatestFingerprint == fingerprint {
		return "", false
	}
	priorManifest, err := store.LoadManifest(point.ID, prior.LatestFingerprint)
	if err != nil {
		return "", false
	}

	changedSet := map[string]struct{}{}
	for path, v := range selected {
		pv, existed := priorManifest.FingerprintInputs[path]
		if !existed || !jsonEqual(pv, v) {
			changedSet[path] = struct{}{}
		}
	}
	for path := range priorManifest.FingerprintInputs {
		if _, ok := selected[path]; !ok {
			changedSet[path] = struct{}{}
		}
	}
	if len(changedSet) == 0 {
		return "", false
	}

	changed := make([]string, 0, len(changedSet))
	for path := range changedSet {
		changed = append(changed, path)
	}
	sort.Strings(changed)
	return ReasonInputsChangedPrefix + strings.Join(changed, ","), true
}

// jsonEqual compares two fingerprint_inputs values by their canonical JSON
// encoding, sidestepping map/slice equality quirks in a plain ==.
func jsonEqual(a, b interface{}) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	return aerr == nil && berr == nil && string(aj) == string(bj)
}

// withUploadIntent fills in WillUpload: "always" uploads regardless of
// cache outcome, "on_success" only uploads a freshly rebuilt anchor (an
// already-cached hit has nothing new to push).
func withUploadIntent(point PointConfig, s *Status) *Status {
	switch point.UploadPolicy {
	case UploadAlways:
		s.WillUpload = true
	case UploadOnSuccess:
		s.WillUpload = s.WillRebuild
	}
	return s
}
