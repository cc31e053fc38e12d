package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mymmrac/telego"
)

// maxDownloadBytes caps inbound media size (Telegram bot API tops out
// at 20MB for downloads anyway).
const maxDownloadBytes = 20 << 20

// collectMedia downloads the message's attachments to temp files and
// returns their local paths. Photos use the largest size variant.
func (c *Channel) collectMedia(ctx context.Context, message *telego.Message) []string {
	var paths []string

	if len(message.Photo) > 0 {
		best := message.Photo[0]
		for _, p := range message.Photo[1:] {
			if p.FileSize > best.FileSize {
				best = p
			}
		}
		if path, err := c.downloadFile(ctx, best.FileID); err != nil {
			slog.Warn("telegram photo download failed", "error", err)
		} else {
			paths = append(paths, path)
		}
	}

	if message.Voice != nil {
		if path, err := c.downloadFile(ctx, message.Voice.FileID); err != nil {
			slog.Warn("telegram voice download failed", "error", err)
		} else {
			paths = append(paths, path)
		}
	}

	if message.Document != nil {
		if path, err := c.downloadFile(ctx, message.Document.FileID); err != nil {
			slog.Warn("telegram document download failed", "file", message.Document.FileName, "error", err)
		} else {
			paths = append(paths, path)
		}
	}

	return paths
}

// downloadFile fetches one file by id into a temp file and returns its
// path. Callers own cleanup once the message is processed.
func (c *Channel) downloadFile(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for %s", fileID)
	}
	if int64(file.FileSize) > maxDownloadBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "clawdbot_media_*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxDownloadBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("file exceeds size cap during download")
	}
	return tmp.Name(), nil
}
