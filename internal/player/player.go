// Package player hands a resolved stream to an external media player. All
// invocations use explicit argument slices; nothing goes through a shell.
package player

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"streamwalk/internal/httputil"
	"streamwalk/internal/media"
)

// Player is the interface for media player implementations.
type Player interface {
	// Play blocks until the player exits. CDNs usually check the Referer
	// of the hop that produced the stream, so players must send it.
	Play(ctx context.Context, r media.ResolutionResult, title string) error

	// Name returns the player name.
	Name() string

	// Available checks if the player binary exists in PATH.
	Available() bool
}

// New creates a player by name.
func New(name string) Player {
	switch name {
	case "mpv":
		return &MPV{}
	case "vlc":
		return &VLC{}
	case "iina", "celluloid":
		return &Generic{name: name}
	default:
		return &MPV{} // Default to mpv
	}
}

// run starts bin attached to the terminal. Players exit non-zero when the
// user closes them, which is not an error.
func run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("running %s: %w", bin, err)
	}
	return nil
}

// mpvArgs builds the mpv-compatible flags shared by mpv, iina and celluloid.
func mpvArgs(r media.ResolutionResult, title string) []string {
	args := []string{
		r.StreamURL,
		"--user-agent=" + httputil.UserAgent,
		"--really-quiet",
	}
	if title != "" {
		args = append(args, "--force-media-title="+title)
	}
	if r.Referer != "" {
		args = append(args, "--referrer="+r.Referer)
		if origin := httputil.Origin(r.Referer); origin != "" {
			args = append(args, "--http-header-fields=Origin: "+origin)
		}
	}
	return args
}
