package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/you/tg-compressor/internal/jobs"
)

// extractVideo pulls a video out of a message, accepting real videos and
// documents with a video/* mime type.
func extractVideo(m *tgbotapi.Message) (fileID, name string, size int64, ok bool) {
	if m.Video != nil {
		name = m.Video.FileName
		if name == "" {
			name = "video.mp4"
		}
		return m.Video.FileID, name, int64(m.Video.FileSize), true
	}
	if m.Document != nil && strings.HasPrefix(strings.ToLower(m.Document.MimeType), "video/") {
		name = m.Document.FileName
		if name == "" {
			name = "video.mp4"
		}
		return m.Document.FileID, name, int64(m.Document.FileSize), true
	}
	return "", "", 0, false
}

// downloadVideo fetches the file behind fileID into destDir and returns the
// local path.
func (s *server) downloadVideo(fileID, destDir, name string) (string, error) {
	f, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}

	resp, err := http.Get(f.Link(s.bot.Token))
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: unexpected status %s", resp.Status)
	}

	dest := filepath.Join(destDir, "original_"+sanitizeName(name))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("save: %w", err)
	}
	return dest, nil
}

// sanitizeName keeps the base name only, so a crafted file name can't
// escape the job directory.
func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "video.mp4"
	}
	return name
}

func resultCaption(j *jobs.Job, height int) string {
	r := j.Result
	return fmt.Sprintf(
		"Compressed Video (%dp)\n\n"+
			"Original size: %s\n"+
			"Compressed size: %s\n"+
			"Size reduction: %.1f%%\n"+
			"Processing time: %s",
		height, humanSize(r.OrigBytes), humanSize(r.OutBytes),
		r.Reduction(), formatDuration(r.Elapsed))
}

func humanSize(b int64) string {
	const mb = 1024 * 1024
	switch {
	case b >= 1024*mb:
		return fmt.Sprintf("%.2f GB", float64(b)/(1024*mb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/mb)
	default:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	}
}

func formatDuration(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s < 60:
		return fmt.Sprintf("%.1f seconds", s)
	case s < 3600:
		return fmt.Sprintf("%d min %d sec", int(s)/60, int(s)%60)
	default:
		return fmt.Sprintf("%d hr %d min", int(s)/3600, (int(s)%3600)/60)
	}
}
