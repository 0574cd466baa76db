package protocol

// Directory and file layout constants used throughout foreman. All of
// these are relative to the project root unless noted.
const (
	// ForemanDir is the state directory (e.g. <root>/.foreman).
	ForemanDir = ".foreman"

	// EventLogFile is the active NDJSON event log inside ForemanDir.
	EventLogFile = "events.ndjson"

	// CorruptedEventsFile quarantines lines that failed parsing or
	// checksum validation during replay.
	CorruptedEventsFile = "corrupted_events.json"

	// SnapshotsFile holds the task snapshot table as a JSON object
	// keyed by ticket ID.
	SnapshotsFile = "snapshots.json"

	// RegistryFile is the SQLite file registry projection.
	RegistryFile = "registry.db"

	// ArchiveDir holds rotated, gzip-compressed log segments.
	ArchiveDir = "archive"

	// StagingDir is where the rebuilder materializes state before the
	// atomic swap.
	StagingDir = "staging"

	// WorkspacesDir holds one isolated directory tree per job.
	WorkspacesDir = "workspaces"

	// ArtifactsDir is the per-job subdirectory for stage outputs.
	ArtifactsDir = "artifacts"

	// ContextFile is the work package handed to the external agent,
	// written at the root of the job workspace.
	ContextFile = "context.json"

	// OutcomeFile is written by the agent into the job's artifacts
	// directory; it carries the file mutations to commit on success.
	OutcomeFile = "outcome.json"

	// ConfigFile is the TOML runtime configuration inside ForemanDir.
	ConfigFile = "config.toml"

	// PipelinesFile defines stage-to-agent pipelines inside ForemanDir.
	PipelinesFile = "pipelines.yaml"

	// RebuildLockFile guards against concurrent rebuilds.
	RebuildLockFile = "rebuild.lock"
)
