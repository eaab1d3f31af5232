// Package client is the HTTP/JSON client for the wcp API, used by the CLI.
package client

import (
	"context"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/referral"
	"github.com/whiteclaws/clawpoints/internal/snapshot"
)

// Client is the interface the CLI commands use to talk to a wcp server.
type Client interface {
	// Ingestion
	Emit(ctx context.Context, actorID, kind string, metadata map[string]string) (*engine.EmitResult, error)
	Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error)

	// Referrals
	ReferralCode(ctx context.Context, actorID string) (*model.ReferralLink, error)
	Attach(ctx context.Context, actorID, code string) (*referral.AttachResult, error)
	Qualify(ctx context.Context, actorID, action string) ([]*model.ReferralEdge, error)
	RegisterParticipant(ctx context.Context, p *model.Participant) (*model.Participant, error)

	// Queries
	Score(ctx context.Context, actorID string, season int) (*model.ContributionScore, error)
	Leaderboard(ctx context.Context, season, limit, offset int) (*engine.Leaderboard, error)
	Downline(ctx context.Context, actorID string) (*model.DownlineStats, error)
	Trust(ctx context.Context, actorID string) (*model.TrustProfile, error)
	Season(ctx context.Context, season int) (*model.Season, error)

	// Admin
	RunSeasonJob(ctx context.Context, job string, season int) (*engine.JobReport, error)
	RunScan(ctx context.Context, job string) (*engine.JobReport, error)
	Snapshot(ctx context.Context, season int) (*snapshot.Result, error)
	RiskFlags(ctx context.Context, req RiskFlagsRequest) ([]*model.RiskFlag, error)
	ReviewRiskFlag(ctx context.Context, actorID, decision string) (*model.RiskFlag, error)
	SetSeasonStatus(ctx context.Context, season int, status model.SeasonStatus) (*model.Season, error)

	Health(ctx context.Context) (string, error)
	Close() error
}

// RiskFlagsRequest filters the review queue.
type RiskFlagsRequest struct {
	ActorIDs   []string
	Unreviewed bool
	MinRisk    float64
	Limit      int
}
