package feed

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultHookTimeout = time.Minute
	maxHookOutput      = 1024
)

// ExecHook is a command run after an episode is downloaded
type ExecHook struct {
	// Command is run through /bin/sh when it has a single element
	Command []string `toml:"command"`
	// Timeout in seconds, 0 means one minute
	Timeout int `toml:"timeout"`
}

// Downloaded describes a stored episode to hooks.
type Downloaded struct {
	FeedID    string
	EpisodeID string
	Title     string
	// AudioPath is the storage name of the file, "<feed_id>/<episode_id>.<ext>"
	AudioPath string
}

// Env returns the variables passed to hook processes.
func (d Downloaded) Env() []string {
	return []string{
		"EPISODE_ID=" + d.EpisodeID,
		"FEED_ID=" + d.FeedID,
		"AUDIO_PATH=" + d.AudioPath,
		"EPISODE_TITLE=" + d.Title,
	}
}

// Invoke runs the hook with event variables added to the process environment.
func (h *ExecHook) Invoke(ctx context.Context, event Downloaded) error {
	if h == nil {
		return nil
	}

	if len(h.Command) == 0 {
		return errors.New("hook command is empty")
	}

	timeout := defaultHookTimeout
	if h.Timeout > 0 {
		timeout = time.Duration(h.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	if len(h.Command) == 1 {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", h.Command[0])
	}

	cmd.Env = append(os.Environ(), event.Env()...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > maxHookOutput {
			output = output[len(output)-maxHookOutput:]
		}
		return errors.Wrapf(err, "hook %q failed, output: %s", h.Command[0], output)
	}

	return nil
}
