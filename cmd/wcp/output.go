package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/ui"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(stdout, string(data))
	return nil
}

func printEmitResult(r *engine.EmitResult) {
	if !r.Accepted {
		fmt.Fprintf(stdout, "%s %s", ui.RenderFail("rejected:"), r.Reason)
		if r.Message != "" {
			fmt.Fprintf(stdout, " (%s)", r.Message)
		}
		fmt.Fprintln(stdout)
		return
	}
	fmt.Fprintf(stdout, "%s %d points\n", ui.RenderPass("accepted:"), r.Points)
	if r.Streak != nil {
		fmt.Fprintf(stdout, "Streak:      +%d\n", r.Streak.Points)
	}
	for _, b := range r.Bonuses {
		fmt.Fprintf(stdout, "Bonus:       +%d to %s (level %d)\n", b.BonusPoints, b.EarnerID, b.Level)
	}
	if r.Score != nil {
		fmt.Fprintf(stdout, "Total:       %.2f\n", r.Score.TotalScore)
	}
}

func printScore(s *model.ContributionScore) {
	fmt.Fprintf(stdout, "Actor:       %s\n", s.ActorID)
	fmt.Fprintf(stdout, "Season:      %d\n", s.Season)
	if s.Rank != nil {
		fmt.Fprintf(stdout, "Rank:        %d\n", *s.Rank)
	}
	fmt.Fprintf(stdout, "Total:       %.2f\n", s.TotalScore)
	fmt.Fprintf(stdout, "Base:        %.2f\n", s.BaseScore)
	fmt.Fprintf(stdout, "Security:    %d\n", s.SecurityPoints)
	fmt.Fprintf(stdout, "Growth:      %d\n", s.GrowthPoints)
	fmt.Fprintf(stdout, "Engagement:  %d\n", s.EngagementPoints)
	fmt.Fprintf(stdout, "Social:      %d\n", s.SocialPoints)
	if s.PenaltyPoints != 0 {
		fmt.Fprintf(stdout, "Penalties:   %s\n", ui.RenderFail(fmt.Sprint(s.PenaltyPoints)))
	}
	fmt.Fprintf(stdout, "Streak:      %d weeks\n", s.StreakWeeks)
	if s.SybilMultiplier < 1 {
		fmt.Fprintf(stdout, "Multiplier:  %s\n", ui.RenderWarn(fmt.Sprintf("%.2f", s.SybilMultiplier)))
	}
	if s.LastActiveAt != nil {
		fmt.Fprintf(stdout, "Last Active: %s\n", s.LastActiveAt.Format("2006-01-02 15:04:05"))
	}
}

func printLeaderboard(lb *engine.Leaderboard) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tACTOR\tTOTAL\tSECURITY\tGROWTH\tENGAGEMENT\tSOCIAL\tSTREAK")
	for i, s := range lb.Scores {
		rank := lb.Offset + i + 1
		if s.Rank != nil {
			rank = *s.Rank
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%d\t%d\t%d\t%d\t%d\n",
			rank, s.ActorID, s.TotalScore,
			s.SecurityPoints, s.GrowthPoints, s.EngagementPoints, s.SocialPoints,
			s.StreakWeeks)
	}
	w.Flush()
	fmt.Fprintf(stdout, "\n%d scores (%d total, season %d)\n", len(lb.Scores), lb.Total, lb.Season)
}

func printDownline(d *model.DownlineStats) {
	fmt.Fprintf(stdout, "Actor:       %s\n", d.ActorID)
	if d.Link != nil {
		fmt.Fprintf(stdout, "Code:        %s\n", ui.RenderAccent(d.Link.Code))
	}
	fmt.Fprintf(stdout, "Direct:      %d\n", d.Direct)
	fmt.Fprintf(stdout, "Total:       %d\n", d.Total)
	fmt.Fprintf(stdout, "Qualified:   %d (%.0f%%)\n", d.Qualified, d.QualifiedRatio*100)
	fmt.Fprintf(stdout, "Bonus:       %d\n", d.BonusEarned)
	if len(d.ByLevel) == 0 {
		return
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nLEVEL\tREFERRED\tQUALIFIED")
	for _, lvl := range slices.Sorted(maps.Keys(d.ByLevel)) {
		fmt.Fprintf(w, "%d\t%d\t%d\n", lvl, d.ByLevel[lvl], d.QualifiedBy[lvl])
	}
	w.Flush()
}

func printTrust(t *model.TrustProfile) {
	fmt.Fprintf(stdout, "Actor:       %s\n", t.ActorID)
	fmt.Fprintf(stdout, "Level:       %s\n", ui.RenderAccent(string(t.Level)))
	fmt.Fprintf(stdout, "Submitted:   %d\n", t.Submitted)
	fmt.Fprintf(stdout, "Accepted:    %d (%.0f%%)\n", t.Accepted, t.AcceptanceRate*100)
	if t.Verification != "" {
		fmt.Fprintf(stdout, "Verified By: %s\n", t.Verification)
	}
}

func printSeason(s *model.Season) {
	status := string(s.Status)
	if s.Status.AcceptsEvents() {
		status = ui.RenderPass(status)
	} else {
		status = ui.RenderWarn(status)
	}
	fmt.Fprintf(stdout, "Season:      %d\n", s.Number)
	fmt.Fprintf(stdout, "Status:      %s\n", status)
	fmt.Fprintf(stdout, "Starts:      %s\n", s.StartsAt.Format("2006-01-02"))
	fmt.Fprintf(stdout, "Ends:        %s\n", s.EndsAt.Format("2006-01-02"))
}

func printJobReport(r *engine.JobReport) {
	label := r.Job
	if r.Season > 0 {
		label = fmt.Sprintf("%s (season %d)", r.Job, r.Season)
	}
	failed := fmt.Sprint(r.Failed)
	if r.Failed > 0 {
		failed = ui.RenderFail(failed)
	}
	fmt.Fprintf(stdout, "%s: %d processed, %s failed in %s\n", label, r.Processed, failed, r.Elapsed)
}

func renderAction(a model.RiskAction) string {
	switch a {
	case model.ActionBan:
		return ui.RenderFail(string(a))
	case model.ActionAllow:
		return ui.RenderMuted(string(a))
	default:
		return ui.RenderWarn(string(a))
	}
}

func printRiskFlags(flags []*model.RiskFlag) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTOR\tRISK\tACTION\tREVIEWED\tSIGNALS")
	for _, f := range flags {
		reviewed := "no"
		if f.Reviewed {
			reviewed = string(f.ReviewDecision)
		}
		fmt.Fprintf(w, "%s\t%.4f\t%s\t%s\t%s\n",
			f.ActorID, f.RiskScore, renderAction(f.Action), reviewed, strings.Join(f.Signals, ","))
	}
	w.Flush()
	fmt.Fprintf(stdout, "\n%d flags\n", len(flags))
}

func printEdges(edges []*model.ReferralEdge) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ANCESTOR\tLEVEL\tQUALIFIED\tPATH")
	for _, e := range edges {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", e.AncestorID, e.Level, e.Qualified, strings.Join(e.UplinePath, " > "))
	}
	w.Flush()
}
