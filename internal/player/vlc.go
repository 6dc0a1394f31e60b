package player

import (
	"context"
	"os/exec"

	"streamwalk/internal/httputil"
	"streamwalk/internal/media"
)

// VLC implements the Player interface for VLC media player.
type VLC struct{}

func (v *VLC) Name() string { return "vlc" }

func (v *VLC) Available() bool {
	_, err := exec.LookPath("vlc")
	return err == nil
}

// Play launches VLC.
func (v *VLC) Play(ctx context.Context, r media.ResolutionResult, title string) error {
	return run(ctx, "vlc", vlcArgs(r, title))
}

func vlcArgs(r media.ResolutionResult, title string) []string {
	args := []string{
		r.StreamURL,
		"--play-and-exit",
		"--http-user-agent=" + httputil.UserAgent,
	}
	if title != "" {
		args = append(args, "--meta-title", title)
	}
	if r.Referer != "" {
		args = append(args, "--http-referrer="+r.Referer)
	}
	return args
}
