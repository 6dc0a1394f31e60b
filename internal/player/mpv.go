package player

import (
	"context"
	"os/exec"

	"streamwalk/internal/media"
)

// MPV implements the Player interface for mpv.
type MPV struct{}

func (m *MPV) Name() string { return "mpv" }

func (m *MPV) Available() bool {
	_, err := exec.LookPath("mpv")
	return err == nil
}

// Play launches mpv with the stream and the headers its CDN expects.
func (m *MPV) Play(ctx context.Context, r media.ResolutionResult, title string) error {
	return run(ctx, "mpv", mpvArgs(r, title))
}
