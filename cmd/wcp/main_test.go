package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/server"
	"github.com/whiteclaws/clawpoints/internal/store/memory"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "nil input", pairs: nil, want: nil},
		{name: "pairs", pairs: []string{"target=acme", "tier=gold"}, want: map[string]string{"target": "acme", "tier": "gold"}},
		{name: "value keeps equals", pairs: []string{"q=a=b"}, want: map[string]string{"q": "a=b"}},
		{name: "empty value", pairs: []string{"note="}, want: map[string]string{"note": ""}},
		{name: "missing equals", pairs: []string{"target"}, wantErr: true},
		{name: "empty key", pairs: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMetadata(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestSeasonArg(t *testing.T) {
	tests := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{args: nil, want: 0},
		{args: []string{"current"}, want: 0},
		{args: []string{"3"}, want: 3},
		{args: []string{"0"}, wantErr: true},
		{args: []string{"-2"}, wantErr: true},
		{args: []string{"three"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := seasonArg(tt.args)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("seasonArg(%v) = %d, %v; want %d, wantErr %v", tt.args, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestColorizeHelpOutput(t *testing.T) {
	in := "Queries:\n  score        Show an actor's season score\n\nFlags:\n      --season int   season number (default 0)\n"
	out := colorizeHelpOutput(in)
	if out == in {
		t.Fatal("expected ANSI styling to be applied")
	}
	for _, want := range []string{"Queries:", "score", "Show an actor's season score", "--season"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lost %q: %q", want, out)
		}
	}
	if !strings.Contains(out, "\x1b[38;5;74mQueries:\x1b[0m") {
		t.Errorf("group header not accented: %q", out)
	}
}

// runCLI executes the root command against a live server and returns stdout.
func runCLI(t *testing.T, url string, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })
	rootCmd.SetArgs(append([]string{"--http-url", url, "--token", "tok"}, args...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("wcp %s: %v", strings.Join(args, " "), err)
	}
	return buf.String()
}

func newLiveServer(t *testing.T) string {
	t.Helper()
	policy := config.DefaultPolicy()
	pool := pond.NewPool(2)
	t.Cleanup(pool.StopAndWait)
	now := policy.SeasonStart.Add(time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := engine.New(engine.Options{
		Store:  memory.New(),
		Policy: policy,
		Pool:   pool,
		Logger: logger,
		Now:    func() time.Time { return now },
	})
	srv := httptest.NewServer(server.New(server.Options{Engine: e, Logger: logger, AuthToken: "tok"}).NewHTTPHandler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestCommands_EmitScoreLeaderboard(t *testing.T) {
	url := newLiveServer(t)

	var res engine.EmitResult
	if err := json.Unmarshal([]byte(runCLI(t, url, "--json", "emit", "alice", "finding_accepted")), &res); err != nil {
		t.Fatalf("decode emit: %v", err)
	}
	if !res.Accepted || res.Points != 500 {
		t.Fatalf("emit = %+v, want accepted 500", res)
	}

	var score model.ContributionScore
	if err := json.Unmarshal([]byte(runCLI(t, url, "--json", "score", "alice")), &score); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	if score.TotalScore != 300 {
		t.Errorf("total = %v, want 300", score.TotalScore)
	}

	var lb engine.Leaderboard
	if err := json.Unmarshal([]byte(runCLI(t, url, "--json", "leaderboard")), &lb); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if lb.Total != 1 || lb.Scores[0].ActorID != "alice" {
		t.Errorf("leaderboard = %+v", lb)
	}

	out := runCLI(t, url, "--json=false", "leaderboard")
	if !strings.Contains(out, "alice") || !strings.Contains(out, "1 scores (1 total") {
		t.Errorf("table output = %q", out)
	}
}

func TestCommands_ReferralCode(t *testing.T) {
	url := newLiveServer(t)

	var link model.ReferralLink
	if err := json.Unmarshal([]byte(runCLI(t, url, "--json", "referral", "code", "alice")), &link); err != nil {
		t.Fatalf("decode link: %v", err)
	}
	if !strings.HasPrefix(link.Code, "WC-") {
		t.Fatalf("code = %q", link.Code)
	}

	var attach struct {
		ReferrerID string `json:"referrer_id"`
	}
	if err := json.Unmarshal([]byte(runCLI(t, url, "--json", "referral", "attach", "bob", link.Code)), &attach); err != nil {
		t.Fatalf("decode attach: %v", err)
	}
	if attach.ReferrerID != "alice" {
		t.Errorf("referrer = %q, want alice", attach.ReferrerID)
	}
}

func TestAdminToken(t *testing.T) {
	t.Setenv("WCP_JWT_SECRET", "s3cret")
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })
	rootCmd.SetArgs([]string{"--json=false", "admin", "token", "ops", "--role", "admin"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("admin token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(buf.String()), "."); len(parts) != 3 {
		t.Errorf("token = %q, want a three-part JWT", buf.String())
	}
}
