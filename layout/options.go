package layout

import (
	"io"
	"log/slog"
	"maps"

	"github.com/meigma/kar"
)

// PublishOption configures Publish.
type PublishOption func(*publishConfig)

type publishConfig struct {
	tags        []string
	annotations map[string]string
	logger      *slog.Logger
	progress    kar.ProgressFunc
}

// PublishWithTags applies additional tags to the published manifest.
func PublishWithTags(tags ...string) PublishOption {
	return func(cfg *publishConfig) {
		cfg.tags = append(cfg.tags, tags...)
	}
}

// PublishWithAnnotations sets custom annotations on the manifest.
//
// The file count, directory count, solid flag and
// org.opencontainers.image.created annotations are set automatically and
// can be overridden.
func PublishWithAnnotations(annotations map[string]string) PublishOption {
	return func(cfg *publishConfig) {
		if cfg.annotations == nil {
			cfg.annotations = make(map[string]string)
		}
		maps.Copy(cfg.annotations, annotations)
	}
}

// PublishWithLogger sets the logger. A nil logger disables logging.
func PublishWithLogger(logger *slog.Logger) PublishOption {
	return func(cfg *publishConfig) {
		cfg.logger = logger
	}
}

// PublishWithProgress sets a callback that receives upload progress.
func PublishWithProgress(fn kar.ProgressFunc) PublishOption {
	return func(cfg *publishConfig) {
		cfg.progress = fn
	}
}

// FetchOption configures Fetch.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	logger   *slog.Logger
	progress kar.ProgressFunc
}

// FetchWithLogger sets the logger. A nil logger disables logging.
func FetchWithLogger(logger *slog.Logger) FetchOption {
	return func(cfg *fetchConfig) {
		cfg.logger = logger
	}
}

// FetchWithProgress sets a callback that receives download progress.
func FetchWithProgress(fn kar.ProgressFunc) FetchOption {
	return func(cfg *fetchConfig) {
		cfg.progress = fn
	}
}

func discardIfNil(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

// progressReader reports bytes read to a progress callback.
type progressReader struct {
	r     io.Reader
	done  uint64
	total uint64
	stage kar.ProgressStage
	fn    kar.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.fn != nil {
		p.done += uint64(n)
		p.fn(kar.ProgressEvent{Stage: p.stage, BytesDone: p.done, BytesTotal: p.total})
	}
	return n, err
}
