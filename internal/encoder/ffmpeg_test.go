package encoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/you/tg-compressor/internal/jobs"
)

func TestTargetScale(t *testing.T) {
	cases := []struct {
		w, h, maxH   int
		wantW, wantH int
	}{
		{1920, 1080, 480, 854, 480},
		{1280, 720, 480, 854, 480},
		{640, 480, 480, 640, 480},
		{320, 240, 480, 320, 240}, // already small, keep
		{1080, 1920, 480, 270, 480},
		{853, 479, 480, 854, 480}, // odd dims forced even
	}
	for _, tc := range cases {
		w, h := targetScale(tc.w, tc.h, tc.maxH)
		if w != tc.wantW || h != tc.wantH {
			t.Errorf("targetScale(%d, %d, %d) = %dx%d, want %dx%d",
				tc.w, tc.h, tc.maxH, w, h, tc.wantW, tc.wantH)
		}
		if w%2 != 0 || h%2 != 0 {
			t.Errorf("targetScale(%d, %d, %d) returned odd dimension %dx%d",
				tc.w, tc.h, tc.maxH, w, h)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	f := NewFFmpeg(t.TempDir(), DefaultParams())
	args := strings.Join(f.buildArgs("/in/src.mp4", "/out/dst.mkv.part", 854, 480), " ")

	for _, want := range []string{
		"-vf scale=854:480",
		"-c:v libx264",
		"-crf 28",
		"-preset fast",
		"-c:a aac",
		"-f matroska",
		"/out/dst.mkv.part",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestOutputName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"holiday.mp4", "compressed_holiday.mkv"},
		{"clip.MOV", "compressed_clip.mkv"},
		{"noext", "compressed_noext.mkv"},
		{".mp4", "compressed_video.mkv"},
	}
	for _, tc := range cases {
		if got := outputName(tc.in); got != tc.want {
			t.Errorf("outputName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInvokeMissingInput(t *testing.T) {
	f := NewFFmpeg(t.TempDir(), DefaultParams())
	_, err := f.Invoke(context.Background(), "/definitely/not/here.mp4")

	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *encoder.Error", err)
	}
	if ee.Kind != jobs.KindInputUnreadable {
		t.Fatalf("kind = %s, want input_unreadable", ee.Kind)
	}
}

func TestInvokeUnprobeableInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "garbage.mp4")
	if err := os.WriteFile(in, []byte("not a video"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFFmpeg(dir, DefaultParams())
	// Point at a binary that cannot exist so the probe fails regardless of
	// the host's ffmpeg installation.
	f.FFprobeBin = filepath.Join(dir, "no-such-ffprobe")

	_, err := f.Invoke(context.Background(), in)
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *encoder.Error", err)
	}
	if ee.Kind != jobs.KindInputUnreadable {
		t.Fatalf("kind = %s, want input_unreadable", ee.Kind)
	}

	// No partial output may be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Fatalf("partial output %s left behind", e.Name())
		}
	}
}

func TestInvokeCancelledContext(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(in, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFFmpeg(dir, DefaultParams())
	f.FFprobeBin = filepath.Join(dir, "no-such-ffprobe")

	_, err := f.Invoke(ctx, in)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Kind: jobs.KindExternalToolFailure, Detail: "exit status 1"}
	if got := e.Error(); !strings.Contains(got, "external_tool_failure") || !strings.Contains(got, "exit status 1") {
		t.Fatalf("error string %q", got)
	}
	bare := &Error{Kind: jobs.KindTimeout}
	if bare.Error() != "timeout" {
		t.Fatalf("bare error string %q", bare.Error())
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := newTailBuffer(10)
	tb.Write([]byte("0123456789abcdef"))
	if got := tb.String(); got != "6789abcdef" {
		t.Fatalf("tail = %q", got)
	}
	tb.Write([]byte("XY"))
	if got := tb.String(); got != "89abcdefXY" {
		t.Fatalf("tail after second write = %q", got)
	}
}
