package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/you/tg-compressor/internal/encoder"
	"github.com/you/tg-compressor/internal/logx"
)

// One-shot local encode without Telegram, for checking ffmpeg settings.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/encode <input.mp4> [outdir]")
		return
	}
	in := os.Args[1]
	outDir := "."
	if len(os.Args) > 2 {
		outDir = os.Args[2]
	}

	logx.Setup(logx.FromEnv("encode"))

	enc := encoder.NewFFmpeg(outDir, encoder.DefaultParams())
	res, err := enc.Invoke(context.Background(), in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode failed:", err)
		os.Exit(1)
	}
	fmt.Printf("Generated: %s\n", res.OutputPath)
	fmt.Printf("%dx%d, %d -> %d bytes (%.1f%% reduction) in %s\n",
		res.Width, res.Height, res.OrigBytes, res.OutBytes,
		res.Reduction(), res.Elapsed.Round(time.Millisecond))
}
