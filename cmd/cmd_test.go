package cmd

import (
	"strings"
	"testing"
	"time"

	"streamwalk/internal/failure"
	"streamwalk/internal/history"
	"streamwalk/internal/media"
	"streamwalk/internal/provider"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		season  int
		episode int
		want    media.ContentRequest
		wantErr bool
	}{
		{name: "movie", args: []string{"movie", "tt0111161"}, want: media.ContentRequest{Type: media.Movie, ExternalID: "tt0111161"}},
		{name: "tv", args: []string{"tv", "1399"}, season: 1, episode: 2, want: media.ContentRequest{Type: media.TV, ExternalID: "1399", Season: 1, Episode: 2}},
		{name: "tv without episode", args: []string{"tv", "1399"}, season: 1, wantErr: true},
		{name: "movie with season", args: []string{"movie", "tt0111161"}, season: 1, wantErr: true},
		{name: "unknown type", args: []string{"anime", "1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flagSeason, flagEpisode = tt.season, tt.episode
			t.Cleanup(func() { flagSeason, flagEpisode = 0, 0 })

			got, err := parseRequest(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseRequest(%v) = %+v, want error", tt.args, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRequest(%v): %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("parseRequest(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestProviderRows(t *testing.T) {
	reg, err := provider.Parse([]byte(`
[[provider]]
id = "alpha"
priority = 1
content_types = ["movie", "tv"]
embed_url = "https://alpha.example/e/{id}"
embed_url_tv = "https://alpha.example/e/{id}/{season}/{episode}"
decode = "rotate"
timeout = "20s"

[[provider.steps]]
kind = "fetch"
rule = { type = "regex", pattern = 'data-src="([^"]+)"', group = 1 }
`), provider.TOML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rows := providerRows(reg.All())
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	want := []string{"alpha", "1", "movie,tv", "rotate", "1", "no", "20s"}
	for i, cell := range want {
		if rows[0][i] != cell {
			t.Errorf("column %d = %q, want %q", i, rows[0][i], cell)
		}
	}

	out := renderTable([]string{"ID"}, [][]string{{"alpha"}}, nil)
	if !strings.Contains(out, "alpha") {
		t.Errorf("rendered table missing row: %q", out)
	}
}

func TestHealthRows(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := healthRows([]history.ProviderHealth{
		{
			ProviderID:  "beta",
			Successes:   3,
			Failures:    1,
			ByKind:      map[failure.Kind]int{failure.Timeout: 1},
			LastSuccess: last,
		},
		{ProviderID: "gamma", Failures: 2, ByKind: map[failure.Kind]int{failure.NotFound: 1, failure.NetworkError: 1}},
	})

	if rows[0][3] != "75%" {
		t.Errorf("rate = %q, want 75%%", rows[0][3])
	}
	if rows[0][4] != "Timeout=1" {
		t.Errorf("kinds = %q", rows[0][4])
	}
	if rows[1][5] != "-" {
		t.Errorf("last success = %q, want -", rows[1][5])
	}
	if !strings.Contains(rows[1][4], "NotFound=1") || !strings.Contains(rows[1][4], "NetworkError=1") {
		t.Errorf("kinds = %q", rows[1][4])
	}
}
