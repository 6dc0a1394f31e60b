package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"streamwalk/internal/failure"
	"streamwalk/internal/media"
	"streamwalk/internal/player"
	"streamwalk/internal/resolve"
	"streamwalk/internal/ui"
)

var (
	flagSeason    int
	flagEpisode   int
	flagJSON      bool
	flagPlay      bool
	flagProviders []string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <movie|tv> <external-id>",
	Short: "Resolve a playable stream URL",
	Example: `  streamwalk resolve movie tt0111161
  streamwalk resolve tv 1399 -s 1 -e 1 --play`,
	Args: cobra.ExactArgs(2),
	RunE: resolveRun,
}

func init() {
	resolveCmd.Flags().IntVarP(&flagSeason, "season", "s", 0, "Season number (tv)")
	resolveCmd.Flags().IntVarP(&flagEpisode, "episode", "e", 0, "Episode number (tv)")
	resolveCmd.Flags().BoolVarP(&flagJSON, "json", "j", false, "Output the result as JSON")
	resolveCmd.Flags().BoolVarP(&flagPlay, "play", "p", false, "Hand the stream to the configured player")
	resolveCmd.Flags().StringSliceVar(&flagProviders, "provider", nil, "Only try these provider ids, in order")
}

func resolveRun(cmd *cobra.Command, args []string) error {
	req, err := parseRequest(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	run := func(ctx context.Context, obs resolve.Observer) (media.ResolutionResult, error) {
		r, closeHistory, err := newResolver(
			resolve.WithObserver(obs),
			resolve.WithProviders(flagProviders...),
		)
		if err != nil {
			return media.ResolutionResult{}, err
		}
		defer closeHistory()
		return r.Resolve(ctx, req)
	}

	var res media.ResolutionResult
	if ui.Interactive(os.Stderr) && !cfg.Debug && !flagJSON {
		var in io.Reader
		if ui.Interactive(os.Stdin) {
			in = os.Stdin
		}
		res, err = ui.Run(ctx, in, os.Stderr, req.String(), run)
	} else {
		res, err = run(ctx, func(t resolve.Transition) {
			if t.State == resolve.ProviderFailed || t.State == resolve.Success {
				debugf("%s: %s", t.State, ui.Describe(t))
			}
		})
	}
	if err != nil {
		return reportFailure(cmd, err)
	}

	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), res.StreamURL)
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", ui.StyleDim.Render("via"), ui.StyleProvider.Render(res.ProviderID))
	}

	if !flagPlay {
		return nil
	}
	p := player.New(cfg.Player)
	if !p.Available() {
		return fmt.Errorf("player %q not found in PATH", p.Name())
	}
	debugf("playing with %s", p.Name())
	if err := p.Play(ctx, res, req.String()); err != nil {
		return fmt.Errorf("playback failed: %w", err)
	}
	return nil
}

func parseRequest(args []string) (media.ContentRequest, error) {
	ct, err := media.ParseContentType(args[0])
	if err != nil {
		return media.ContentRequest{}, err
	}
	req := media.ContentRequest{Type: ct, ExternalID: args[1]}
	if ct == media.TV {
		req.Season = flagSeason
		req.Episode = flagEpisode
	} else if flagSeason != 0 || flagEpisode != 0 {
		return media.ContentRequest{}, fmt.Errorf("--season and --episode only apply to tv")
	}
	if err := req.Validate(); err != nil {
		return media.ContentRequest{}, err
	}
	return req, nil
}

// reportFailure prints per-provider reasons and returns the error for the
// exit status.
func reportFailure(cmd *cobra.Command, err error) error {
	var all *failure.AllProvidersFailed
	if !errors.As(err, &all) {
		return err
	}
	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(all)
		return err
	}
	w := cmd.ErrOrStderr()
	if len(all.Reasons) == 0 {
		fmt.Fprintf(w, "%s no provider serves %s\n", ui.StyleError.Render("✗"), all.Request)
		return errors.New("no candidate providers")
	}
	fmt.Fprintf(w, "%s all providers failed for %s\n", ui.StyleError.Render("✗"), all.Request)
	for i, r := range all.Reasons {
		fmt.Fprintf(w, "  %s %s %s %s\n",
			ui.StyleDim.Render(strconv.Itoa(i+1)+"."),
			ui.StyleProvider.Render(r.ProviderID),
			r.KindName,
			ui.StyleDim.Render(r.Message))
	}
	return errors.New("no stream resolved")
}
