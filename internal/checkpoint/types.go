// Package checkpoint implements the content-addressed checkpoint store:
// fingerprinting, lineage, the on-disk manifest/index/upload-queue
// layout, restore/capture at anchor tasks, and the pluggable remote
// backend abstraction (S3, HTTP, SSH).
package checkpoint

// UsePolicy controls whether a restore is attempted and how failures are
// treated.
type UsePolicy string

const (
	UseAuto     UsePolicy = "auto"
	UseOff      UsePolicy = "off"
	UseRequired UsePolicy = "required"
)

// UploadPolicy controls whether a successful capture is pushed to the
// configured backend.
type UploadPolicy string

const (
	UploadOff        UploadPolicy = "off"
	UploadOnSuccess  UploadPolicy = "on_success"
	UploadAlways     UploadPolicy = "always"
)

// TrustMode controls how a lineage/fingerprint mismatch is treated.
type TrustMode string

const (
	TrustVerify     TrustMode = "verify"
	TrustPermissive TrustMode = "permissive"
)

// S3BackendConfig shells out to the aws CLI.
type S3BackendConfig struct {
	Bucket             string `toml:"bucket"`
	Prefix             string `toml:"prefix"`
	Region             string `toml:"region"`
	AccessKeyIDEnv     string `toml:"aws_access_key_id_env"`
	SecretAccessKeyEnv string `toml:"aws_secret_access_key_env"`
}

// HTTPBackendConfig uses a blocking HTTP client.
type HTTPBackendConfig struct {
	BaseURL string `toml:"base_url"`
	Prefix  string `toml:"prefix"`
	Token   string `toml:"token"`
}

// SSHBackendConfig shells out to ssh/scp.
type SSHBackendConfig struct {
	Host   string `toml:"host"`
	User   string `toml:"user"`
	Path   string `toml:"path"`
	Prefix string `toml:"prefix"`
}

// PointConfig declares one checkpoint point bound to a single anchor task.
type PointConfig struct {
	ID              string       `toml:"id"`
	AnchorTask      string       `toml:"anchor_task"`
	UsePolicy       UsePolicy    `toml:"use_policy"`
	UploadPolicy    UploadPolicy `toml:"upload_policy"`
	FingerprintFrom []string     `toml:"fingerprint_from"`
	Backend         string       `toml:"backend"`
	TrustMode       TrustMode    `toml:"trust_mode"`
	StartingPoint   struct {
		Enabled bool `toml:"enabled"`
	} `toml:"starting_point"`
}

// Config mirrors the [checkpoints] table.
type Config struct {
	Enabled bool                         `toml:"enabled"`
	Points  map[string]PointConfig       `toml:"points"`
	S3      map[string]S3BackendConfig   `toml:"s3"`
	HTTP    map[string]HTTPBackendConfig `toml:"http"`
	SSH     map[string]SSHBackendConfig  `toml:"ssh"`
}

// TargetEntry records one restored/captured tree under a manifest.
type TargetEntry struct {
	Name       string `json:"name"`
	PayloadRel string `json:"payload_rel"`
}

// Manifest is the versioned on-disk record of one captured checkpoint.
type Manifest struct {
	Version           int                    `json:"version"`
	ID                string                 `json:"id"`
	AnchorTask        string                 `json:"anchor_task"`
	Fingerprint       string                 `json:"fingerprint"`
	Lineage           string                 `json:"lineage"`
	CreatedAt         string                 `json:"created_at"`
	TrustMode         TrustMode              `json:"trust_mode"`
	FingerprintInputs map[string]interface{} `json:"fingerprint_inputs"`
	Targets           []TargetEntry          `json:"targets"`
}

const manifestVersion = 1

// IndexEntry records the latest known fingerprint for one point.
type IndexEntry struct {
	ID                 string `json:"id"`
	AnchorTask         string `json:"anchor_task"`
	LatestFingerprint  string `json:"latest_fingerprint"`
	LatestManifestRel  string `json:"latest_manifest_rel"`
	UpdatedAt          string `json:"updated_at"`
}

// Index is index.json.
type Index struct {
	Version int                   `json:"version"`
	Points  map[string]IndexEntry `json:"points"`
}

// QueueState is an upload-queue entry's lifecycle state.
type QueueState string

const (
	QueuePending QueueState = "pending"
	QueueUploaded QueueState = "uploaded"
	QueueFailed  QueueState = "failed"
)

// QueueEntry is one upload attempt record; entries are never deleted.
type QueueEntry struct {
	ID            string     `json:"id"`
	AnchorTask    string     `json:"anchor_task"`
	Fingerprint   string     `json:"fingerprint"`
	BackendRef    string     `json:"backend_ref"`
	ObjectRelDir  string     `json:"object_rel_dir"`
	State         QueueState `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     string     `json:"updated_at"`
}

// UploadQueue is upload-queue.json.
type UploadQueue struct {
	Version int          `json:"version"`
	Entries []QueueEntry `json:"entries"`
}

// RetryReport summarizes a retry_pending_uploads run.
type RetryReport struct {
	Attempted int
	Uploaded  int
	Failed    int
}

// StatusReason classifies a restore or PointStatus outcome; its string
// value is stored verbatim in Status.Reason.
type StatusReason string

const (
	ReasonMissing       StatusReason = "missing"
	ReasonRemoteMissing StatusReason = "remote_missing"
	ReasonRemoteHit     StatusReason = "remote_hit"
	ReasonLocalHit      StatusReason = "local_hit"
)

// ReasonInputsChangedPrefix opens a Status.Reason when a point has a prior
// recorded fingerprint that no longer matches: the rest of the string is a
// sorted, comma-joined list of the selection paths whose values changed.
const ReasonInputsChangedPrefix = "inputs_changed:"

// Status reports what a restore would do without performing it.
type Status struct {
	Exists        bool
	RemoteExists  bool
	WillUse       bool
	WillDownload  bool
	WillRebuild   bool
	WillUpload    bool
	Reason        string
}
