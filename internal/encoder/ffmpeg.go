package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/tg-compressor/internal/jobs"
	"github.com/you/tg-compressor/internal/logx"
)

// FFmpeg invokes the ffmpeg/ffprobe binaries as subprocesses.
type FFmpeg struct {
	FFmpegBin  string
	FFprobeBin string
	OutDir     string
	Params     Params
}

func NewFFmpeg(outDir string, p Params) *FFmpeg {
	return &FFmpeg{
		FFmpegBin:  "ffmpeg",
		FFprobeBin: "ffprobe",
		OutDir:     outDir,
		Params:     p,
	}
}

// ProbeInfo is the subset of stream metadata the encoder needs.
type ProbeInfo struct {
	Width    int
	Height   int
	Duration float64
}

// Probe reads width/height/duration of the first video stream.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeInfo, error) {
	out, err := exec.CommandContext(ctx, f.FFprobeBin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1",
		path,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}

	info := &ProbeInfo{}
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "width":
			info.Width, _ = strconv.Atoi(v)
		case "height":
			info.Height, _ = strconv.Atoi(v)
		case "duration":
			info.Duration, _ = strconv.ParseFloat(v, 64)
		}
	}
	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("no video stream in %s", filepath.Base(path))
	}
	return info, nil
}

// targetScale caps height at maxHeight keeping aspect ratio. Both dimensions
// are forced even, x264 rejects odd sizes.
func targetScale(w, h, maxHeight int) (int, int) {
	if h <= maxHeight {
		return even(w), even(h)
	}
	nw := int(float64(w) * float64(maxHeight) / float64(h))
	return even(nw), even(maxHeight)
}

func even(x int) int {
	if x%2 == 0 {
		return x
	}
	return x + 1
}

func (f *FFmpeg) buildArgs(inputPath, outPath string, w, h int) []string {
	p := f.Params
	return []string{
		"-y",
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=%d:%d", w, h),
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-b:v", p.VideoBitrate,
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
		"-f", p.Format,
		outPath,
	}
}

// outputName derives the delivered file name: compressed_<base>.mkv.
func outputName(inputName string) string {
	base := strings.TrimSuffix(inputName, filepath.Ext(inputName))
	if base == "" {
		base = "video"
	}
	return "compressed_" + base + ".mkv"
}

// Invoke runs one transcode. The output is written to a temporary path and
// renamed into place only after the size check, so a failed run leaves
// nothing visible.
func (f *FFmpeg) Invoke(ctx context.Context, inputPath string) (*jobs.Result, error) {
	start := time.Now()
	logger := logx.FromCtx(ctx)

	in, err := os.Stat(inputPath)
	if err != nil {
		return nil, &Error{Kind: jobs.KindInputUnreadable, Detail: err.Error(), Err: err}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if f.Params.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, f.Params.Timeout)
		defer cancel()
	}

	info, err := f.Probe(runCtx, inputPath)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ErrCancelled
		}
		return nil, &Error{Kind: jobs.KindInputUnreadable, Detail: err.Error(), Err: err}
	}
	w, h := targetScale(info.Width, info.Height, f.Params.Height)

	outPath := filepath.Join(f.OutDir, outputName(filepath.Base(inputPath)))
	tmpPath := outPath + ".part"
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(runCtx, f.FFmpegBin, f.buildArgs(inputPath, tmpPath, w, h)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &Error{Kind: jobs.KindExternalToolFailure, Detail: err.Error(), Err: err}
	}

	logger.Info().
		Str("input", filepath.Base(inputPath)).
		Int("width", w).
		Int("height", h).
		Msg("ffmpeg starting")

	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: jobs.KindExternalToolFailure, Detail: err.Error(), Err: err}
	}

	// Stream ffmpeg stderr into structured logs, keeping a short tail for
	// the error detail.
	tail := newTailBuffer(2048)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lw := logx.NewLineWriter(map[string]string{"tool": "ffmpeg"}, zerolog.DebugLevel)
		lw.Pipe(io.TeeReader(stderr, tail))
	}()

	runErr := cmd.Wait()
	wg.Wait()

	if runErr != nil {
		switch {
		case ctx.Err() == context.Canceled:
			return nil, ErrCancelled
		case runCtx.Err() == context.DeadlineExceeded:
			return nil, &Error{Kind: jobs.KindTimeout,
				Detail: fmt.Sprintf("exceeded %s", f.Params.Timeout), Err: runErr}
		default:
			return nil, &Error{Kind: jobs.KindExternalToolFailure, Detail: tail.String(), Err: runErr}
		}
	}

	out, err := os.Stat(tmpPath)
	if err != nil || out.Size() == 0 {
		detail := "output missing"
		if err == nil {
			detail = "output is empty"
		}
		return nil, &Error{Kind: jobs.KindOutputInvalid, Detail: detail, Err: err}
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, &Error{Kind: jobs.KindOutputInvalid, Detail: err.Error(), Err: err}
	}

	res := &jobs.Result{
		OutputPath: outPath,
		OrigBytes:  in.Size(),
		OutBytes:   out.Size(),
		Width:      w,
		Height:     h,
		Elapsed:    time.Since(start),
	}
	logger.Info().
		Int64("orig_bytes", res.OrigBytes).
		Int64("out_bytes", res.OutBytes).
		Dur("elapsed", res.Elapsed).
		Msg("ffmpeg finished")
	return res, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.buf.Len() > t.max {
		b := t.buf.Bytes()
		trimmed := append([]byte(nil), b[len(b)-t.max:]...)
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
