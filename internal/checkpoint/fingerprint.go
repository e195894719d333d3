package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/forge-build/forge/internal/configdoc"
)

// defaultFingerprintPaths is the hard-coded default selection set per
// anchor task, used when a point does not declare fingerprint_from.
var defaultFingerprintPaths = map[string][]string{
	"buildroot.build": {
		"buildroot.performance_profile",
		"buildroot.archive_mode",
		"buildroot.defconfig",
		"buildroot.target",
		"inputs.values",
	},
}

// SelectionPaths returns point.FingerprintFrom if set, else the anchor's
// default set.
func SelectionPaths(point PointConfig) []string {
	if len(point.FingerprintFrom) > 0 {
		return point.FingerprintFrom
	}
	return defaultFingerprintPaths[point.AnchorTask]
}

// ComputeFingerprint samples doc at each selection path (a missing path
// contributes JSON null), canonically serializes {id, anchor_task,
// selected}, and returns the hex SHA-256 plus the selected map (used when
// writing the manifest's fingerprint_inputs field).
//
// encoding/json sorts object keys when marshaling a Go map, which is what
// gives this serialization its "canonical" property without a bespoke
// canonicalizer.
func ComputeFingerprint(point PointConfig, doc *configdoc.Doc) (string, map[string]interface{}, error) {
	paths := SelectionPaths(point)
	selected := make(map[string]interface{}, len(paths))
	for _, path := range paths {
		v, ok := doc.ValueAt(path)
		if !ok {
			selected[path] = nil
		} else {
			selected[path] = v
		}
	}

	payload := map[string]interface{}{
		"id":          point.ID,
		"anchor_task": point.AnchorTask,
		"selected":    selected,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("checkpoint: serializing fingerprint inputs: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), selected, nil
}

// ComputeLineage hashes anchorTask || 0x0A || fingerprint, binding a
// fingerprint to the anchor it was computed for so a manifest cannot be
// silently reused under a different anchor.
func ComputeLineage(anchorTask, fingerprint string) string {
	sum := sha256.Sum256([]byte(anchorTask + "\n" + fingerprint))
	return hex.EncodeToString(sum[:])
}
