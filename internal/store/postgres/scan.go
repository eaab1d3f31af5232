package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whiteclaws/clawpoints/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanAll drains rows through scan and reports any iteration error.
func scanAll[T any](rows *sql.Rows, scan func(scannable) (T, error)) ([]T, error) {
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanParticipant scans a row in participantColumns order.
func scanParticipant(row scannable) (*model.Participant, error) {
	var p model.Participant
	var wallet, ip, device, funding sql.NullString
	if err := row.Scan(&p.ActorID, &wallet, &ip, &device, &funding, &p.RegisteredAt); err != nil {
		return nil, err
	}
	p.Wallet = wallet.String
	p.IPAddress = ip.String
	p.DeviceFingerprint = device.String
	p.FundingSource = funding.String
	return &p, nil
}

// scanEvent scans a row in eventColumns order.
func scanEvent(row scannable) (*model.ParticipationEvent, error) {
	var e model.ParticipationEvent
	var (
		kind     string
		metadata []byte
		dedupe   sql.NullString
	)
	err := row.Scan(&e.ID, &e.ActorID, &kind, &e.Points, &e.Season, &e.Week, &metadata, &dedupe, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if e.Kind, err = model.ParseEventKind(kind); err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("event %s metadata: %w", e.ID, err)
		}
	}
	e.DedupeKey = dedupe.String
	return &e, nil
}

// scanScore scans a row in scoreColumns order.
func scanScore(row scannable) (*model.ContributionScore, error) {
	s, _, err := scanScoreRow(row, false)
	return s, err
}

// scanScoreWithTotal scans a row with a leading total_count column followed
// by the score columns. Used by queryListScores with COUNT(*) OVER().
func scanScoreWithTotal(row scannable) (*model.ContributionScore, int, error) {
	return scanScoreRow(row, true)
}

func scanScoreRow(row scannable, withTotal bool) (*model.ContributionScore, int, error) {
	var s model.ContributionScore
	var (
		total      int
		rank       sql.NullInt64
		lastActive sql.NullTime
		cycle      sql.NullString
		decayedAt  sql.NullTime
	)
	dest := []any{
		&s.ActorID,
		&s.Season,
		&s.SecurityPoints,
		&s.GrowthPoints,
		&s.EngagementPoints,
		&s.SocialPoints,
		&s.PenaltyPoints,
		&s.BaseScore,
		&s.TotalScore,
		&rank,
		&s.StreakWeeks,
		&lastActive,
		&s.SybilMultiplier,
		&s.DecayRate,
		&cycle,
		&decayedAt,
	}
	if withTotal {
		dest = append([]any{&total}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}
	if rank.Valid {
		r := int(rank.Int64)
		s.Rank = &r
	}
	s.LastActiveAt = timePtr(lastActive)
	s.DecayCycle = cycle.String
	s.DecayedAt = timePtr(decayedAt)
	return &s, total, nil
}

// scanLink scans a row in linkColumns order.
func scanLink(row scannable) (*model.ReferralLink, error) {
	var l model.ReferralLink
	if err := row.Scan(&l.ActorID, &l.Code, &l.TotalReferred, &l.QualifiedReferred, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

// scanEdge scans a row in edgeColumns order.
func scanEdge(row scannable) (*model.ReferralEdge, error) {
	var e model.ReferralEdge
	var (
		path        pq.StringArray
		action      sql.NullString
		qualifiedAt sql.NullTime
	)
	err := row.Scan(&e.DescendantID, &e.AncestorID, &e.Level, &path, &e.Qualified, &action, &qualifiedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.UplinePath = []string(path)
	e.QualifyingAction = action.String
	e.QualifiedAt = timePtr(qualifiedAt)
	return &e, nil
}

// scanSubmission scans a row in submissionColumns order.
func scanSubmission(row scannable) (*model.Submission, error) {
	var s model.Submission
	var description, severity sql.NullString
	err := row.Scan(
		&s.ID,
		&s.ActorID,
		&s.Target,
		&s.Title,
		&s.NormalizedTitle,
		&description,
		&severity,
		&s.HasPoC,
		&s.Encrypted,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Description = description.String
	s.Severity = model.Severity(severity.String)
	return &s, nil
}

// scanRiskFlag scans a row in riskFlagColumns order.
func scanRiskFlag(row scannable) (*model.RiskFlag, error) {
	var f model.RiskFlag
	var (
		signals    pq.StringArray
		clusterID  sql.NullString
		action     string
		decision   sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(
		&f.ActorID,
		&f.RiskScore,
		&signals,
		&clusterID,
		&action,
		&f.Reviewed,
		&decision,
		&reviewedAt,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Signals = []string(signals)
	f.ClusterID = clusterID.String
	f.Action = model.RiskAction(action)
	f.ReviewDecision = model.RiskAction(decision.String)
	f.ReviewedAt = timePtr(reviewedAt)
	return &f, nil
}

// scanSeason scans a row in seasonColumns order.
func scanSeason(row scannable) (*model.Season, error) {
	var s model.Season
	var status string
	if err := row.Scan(&s.Number, &status, &s.StartsAt, &s.EndsAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = model.SeasonStatus(status)
	return &s, nil
}

// nullTimePtr converts a *time.Time to a sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr is the inverse of nullTimePtr.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonbMetadata encodes event metadata for a JSONB column; empty maps are null.
func jsonbMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
