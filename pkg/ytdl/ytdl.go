package ytdl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/config"
	"github.com/tubecast/tubecast/pkg/model"
)

const (
	DefaultTimeout = 30 * time.Minute
	versionTimeout = time.Minute
	waitDelay      = 10 * time.Second
	maxErrorOutput = 2000
)

var (
	ErrTooManyRequests = errors.New(http.StatusText(http.StatusTooManyRequests))
)

type Config struct {
	// Path to the yt-dlp binary, looked up in PATH when empty
	Path string `toml:"path"`
	// Timeout kills a download that runs longer
	Timeout config.Duration `toml:"timeout"`
	// CookiesFile is passed as --cookies
	CookiesFile string `toml:"cookies_file"`
	// CustomArgs are appended to every download
	CustomArgs []string `toml:"custom_args"`
}

type YoutubeDl struct {
	path    string
	timeout time.Duration
	cookies string
	args    []string
}

func New(ctx context.Context, cfg Config) (*YoutubeDl, error) {
	path, err := lookPath(cfg.Path)
	if err != nil {
		return nil, err
	}

	log.Debugf("found downloader binary at %q", path)

	ytdl := &YoutubeDl{
		path:    path,
		timeout: cfg.Timeout.Duration,
		cookies: cfg.CookiesFile,
		args:    cfg.CustomArgs,
	}

	if ytdl.timeout <= 0 {
		ytdl.timeout = DefaultTimeout
	}

	// Make sure the binary works
	versionCtx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	version, _, err := ytdl.exec(versionCtx, "--version")
	if err != nil {
		return nil, errors.Wrap(err, "could not run downloader")
	}

	log.Infof("using yt-dlp %s", strings.TrimSpace(version))

	// Make sure ffmpeg exists
	output, err := exec.CommandContext(versionCtx, "ffmpeg", "-version").CombinedOutput()
	if err != nil {
		return nil, errors.Wrap(err, "could not find ffmpeg")
	}

	log.Infof("using %s", firstLine(string(output)))

	return ytdl, nil
}

func lookPath(path string) (string, error) {
	candidates := []string{"yt-dlp", "youtube-dl"}
	if path != "" {
		candidates = []string{path}
	}

	for _, name := range candidates {
		if found, err := exec.LookPath(name); err == nil {
			return found, nil
		}
	}

	return "", errors.Errorf("downloader binary not found (tried %s)", strings.Join(candidates, ", "))
}

// Download fetches a single video into a temporary directory.
// The returned *File removes the directory when closed.
func (dl *YoutubeDl) Download(ctx context.Context, episodeID string, opts Options) (io.ReadCloser, error) {
	tmpDir, err := os.MkdirTemp("", "tubecast-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to get temp dir for download")
	}

	args := dl.buildArgs(tmpDir, episodeID, opts)

	ctx, cancel := context.WithTimeout(ctx, dl.timeout)
	defer cancel()

	_, stderr, err := dl.exec(ctx, args...)
	if err != nil {
		_ = os.RemoveAll(tmpDir)

		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Errorf("download timed out after %s", dl.timeout)
		}

		// YouTube might block host with HTTP Error 429: Too Many Requests
		if strings.Contains(stderr, "HTTP Error 429") {
			return nil, ErrTooManyRequests
		}

		return nil, errors.Errorf("%v: %s", err, tail(stderr, maxErrorOutput))
	}

	return openFile(tmpDir, fileName(episodeID, opts.Format))
}

// exec runs the binary and returns its stdout and stderr.
// Non-file writers make os/exec drain both pipes in their own goroutines while waiting for exit.
func (dl *YoutubeDl) exec(ctx context.Context, args ...string) (string, string, error) {
	var (
		stdout = &lineWriter{logLine: func(line string) { log.Debug(line) }}
		stderr = &lineWriter{logLine: func(line string) { log.Debugf("stderr: %s", line) }}
	)

	cmd := exec.CommandContext(ctx, dl.path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Child processes (ffmpeg) may keep pipes open after the downloader is killed
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		return stdout.String(), stderr.String(), errors.Wrap(err, "failed to execute downloader")
	}

	return stdout.String(), stderr.String(), nil
}

// lineWriter keeps the whole output and logs it line by line.
type lineWriter struct {
	lock    sync.Mutex
	buf     bytes.Buffer
	partial []byte
	logLine func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.buf.Write(p)
	w.partial = append(w.partial, p...)

	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}

		if line := strings.TrimRight(string(w.partial[:idx]), "\r"); line != "" {
			w.logLine(line)
		}
		w.partial = w.partial[idx+1:]
	}

	return len(p), nil
}

func (w *lineWriter) String() string {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.buf.String()
}

func fileName(episodeID string, format model.Format) string {
	return fmt.Sprintf("%s.%s", episodeID, Extension(format))
}

// Extension returns the file extension produced for the format.
func Extension(format model.Format) string {
	if format == model.FormatVideo {
		return "mp4"
	}
	return "mp3"
}

// MimeType returns the content type produced for the format.
func MimeType(format model.Format) string {
	if format == model.FormatVideo {
		return "video/mp4"
	}
	return "audio/mpeg"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func outputTemplate(dir, episodeID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s", episodeID, "%(ext)s"))
}
