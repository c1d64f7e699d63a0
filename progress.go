package kar

// ProgressEvent represents a progress update during pack, unpack, or
// distribution operations.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the file currently being processed, if applicable.
	Path string

	// BytesDone is the number of bytes completed in the current operation.
	BytesDone uint64

	// BytesTotal is the total bytes for the current operation.
	// Zero indicates the total is unknown.
	BytesTotal uint64

	// FilesDone is the number of files (or chunks while compressing) completed.
	FilesDone int

	// FilesTotal is the total number of files (or chunks while compressing).
	// Zero indicates the total is unknown.
	FilesTotal int
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

// Progress stages.
const (
	// StageEnumerating indicates inputs are being resolved and walked.
	StageEnumerating ProgressStage = iota

	// StageScanning indicates source files are being hashed for deduplication.
	StageScanning

	// StageCompressing indicates chunks are being compressed and written.
	StageCompressing

	// StageExtracting indicates files are being extracted.
	StageExtracting

	// StagePublishing indicates an archive is being pushed into an OCI layout.
	StagePublishing

	// StageFetching indicates an archive is being fetched from an OCI layout.
	StageFetching
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageEnumerating:
		return "enumerating"
	case StageScanning:
		return "scanning"
	case StageCompressing:
		return "compressing"
	case StageExtracting:
		return "extracting"
	case StagePublishing:
		return "publishing"
	case StageFetching:
		return "fetching"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during operations.
// Calls are never made concurrently.
type ProgressFunc func(ProgressEvent)

func (fn ProgressFunc) report(ev ProgressEvent) {
	if fn != nil {
		fn(ev)
	}
}
