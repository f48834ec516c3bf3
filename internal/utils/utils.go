package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/spotter/internal/api"
)

// --- 1. Error Output ---

// errOut is where error boxes go and exit ends the process. Tests swap both out.
var (
	errOut io.Writer = os.Stderr
	exit             = os.Exit
)

// ShowError prints the framed error box without exiting.
// When err carries a server response, its body is dumped below the details.
func ShowError(context string, err error) {
	fmt.Fprintf(errOut, "\n---------------------------------------------------------\n")
	fmt.Fprintf(errOut, "🚨 SPOTTER ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(errOut, "DETAILS: %v\n", err)
	}

	var serr *api.ServerError
	if errors.As(err, &serr) && serr.Body != "" {
		fmt.Fprintf(errOut, "\nSERVER RESPONSE (%d):\n%s\n", serr.StatusCode, strings.TrimSpace(serr.Body))
	}
	fmt.Fprintf(errOut, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for Spotter.
func Die(context string, err error) {
	ShowError(context, err)
	exit(1)
}

// --- 2. Input Files ---

// videoExts are the containers the detection service accepts.
var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true, ".m4v": true,
}

// ValidateVideoFile checks that path is an existing regular file with a video extension.
func ValidateVideoFile(path string) error {
	if path == "" {
		return errors.New("no input file given")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	if ext := strings.ToLower(filepath.Ext(path)); !videoExts[ext] {
		return fmt.Errorf("unsupported video format %q", ext)
	}
	return nil
}

// Fingerprint creates a deterministic hash for a local file
// based on its path, size, and modification time.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}

// --- 3. Formatting ---

// FormatTime renders a server timestamp in local time, or "-" when unknown.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// FormatConfidence renders a 0..1 score as a percentage.
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%.1f%%", c*100)
}

// FormatBox renders a bounding box as "x,y wxh". Missing sizes are omitted.
func FormatBox(x, y, w, h float64) string {
	if w == 0 && h == 0 {
		return fmt.Sprintf("%.0f,%.0f", x, y)
	}
	return fmt.Sprintf("%.0f,%.0f %.0fx%.0f", x, y, w, h)
}

// FormatBytes renders a size with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
