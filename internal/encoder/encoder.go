package encoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you/tg-compressor/internal/jobs"
)

// ErrCancelled is returned when the invocation was aborted through the
// caller's context rather than failing on its own.
var ErrCancelled = errors.New("encode cancelled")

// Error is a classified encode failure. Detail carries the raw tool
// diagnostic for logging; it must never reach the end user verbatim.
type Error struct {
	Kind   jobs.ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Invoker runs one external transcode. Implementations must honor ctx
// cancellation by terminating the subprocess, and must not leave partial
// output visible on failure.
type Invoker interface {
	Invoke(ctx context.Context, inputPath string) (*jobs.Result, error)
}

// Params is the fixed target configuration. Defaults mirror the bot's
// advertised settings: 480p height, MKV container, x264/aac.
type Params struct {
	Height       int
	VideoCodec   string
	AudioCodec   string
	Preset       string
	CRF          int
	VideoBitrate string
	AudioBitrate string
	Format       string
	Timeout      time.Duration
}

func DefaultParams() Params {
	return Params{
		Height:       480,
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		Preset:       "fast",
		CRF:          28,
		VideoBitrate: "2000k",
		AudioBitrate: "192k",
		Format:       "matroska",
		Timeout:      2 * time.Hour,
	}
}
