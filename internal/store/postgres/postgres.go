// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// mapErr translates driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
		case "23514", "23P01":
			return fmt.Errorf("%w: %w", store.ErrCheck, err)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
	}
	return err
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *model.Participant) error {
	return mapErr(queryUpsertParticipant(ctx, s.db, p))
}

func (s *PostgresStore) GetParticipant(ctx context.Context, actorID string) (*model.Participant, error) {
	v, err := queryGetParticipant(ctx, s.db, actorID)
	return v, mapErr(err)
}

func (s *PostgresStore) ListParticipants(ctx context.Context) ([]*model.Participant, error) {
	v, err := queryListParticipants(ctx, s.db)
	return v, mapErr(err)
}

func (s *PostgresStore) LockParticipant(ctx context.Context, actorID string) error {
	return mapErr(queryLockParticipant(ctx, s.db, actorID))
}

func (s *PostgresStore) CountRegistrationsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	v, err := queryCountRegistrationsByIP(ctx, s.db, ip, since)
	return v, mapErr(err)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.ParticipationEvent, opts store.AppendOptions) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.AppendEvent(ctx, ev, opts)
	})
}

func (s *PostgresStore) ListEvents(ctx context.Context, actorID string, season int) ([]*model.ParticipationEvent, error) {
	v, err := queryListEvents(ctx, s.db, actorID, season)
	return v, mapErr(err)
}

func (s *PostgresStore) ListActiveWeeks(ctx context.Context, actorID string) ([]model.SeasonWeek, error) {
	v, err := queryListActiveWeeks(ctx, s.db, actorID)
	return v, mapErr(err)
}

func (s *PostgresStore) ListSeasonActors(ctx context.Context, season int) ([]string, error) {
	v, err := queryListSeasonActors(ctx, s.db, season)
	return v, mapErr(err)
}

func (s *PostgresStore) CountEventsByKind(ctx context.Context, actorIDs []string, kinds []model.EventKind) (map[model.EventKind]int, error) {
	v, err := queryCountEventsByKind(ctx, s.db, actorIDs, kinds)
	return v, mapErr(err)
}

func (s *PostgresStore) WeeklyPositiveTotal(ctx context.Context, actorID string, sw model.SeasonWeek) (int, error) {
	v, err := queryWeeklyPositiveTotal(ctx, s.db, actorID, sw)
	return v, mapErr(err)
}

func (s *PostgresStore) GetScore(ctx context.Context, actorID string, season int) (*model.ContributionScore, error) {
	v, err := queryGetScore(ctx, s.db, actorID, season)
	return v, mapErr(err)
}

func (s *PostgresStore) UpsertScore(ctx context.Context, sc *model.ContributionScore) error {
	return mapErr(queryUpsertScore(ctx, s.db, sc))
}

func (s *PostgresStore) SetSybilMultiplier(ctx context.Context, actorID string, season int, multiplier float64) error {
	return mapErr(querySetSybilMultiplier(ctx, s.db, actorID, season, multiplier))
}

func (s *PostgresStore) ApplyDecay(ctx context.Context, actorID string, season int, rate float64, cycle string, at time.Time) (bool, error) {
	v, err := queryApplyDecay(ctx, s.db, actorID, season, rate, cycle, at)
	return v, mapErr(err)
}

func (s *PostgresStore) ListScores(ctx context.Context, filter model.ScoreFilter) ([]*model.ContributionScore, int, error) {
	rows, total, err := queryListScores(ctx, s.db, filter)
	return rows, total, mapErr(err)
}

func (s *PostgresStore) SetRanks(ctx context.Context, season int, ranks []model.RankAssignment) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.SetRanks(ctx, season, ranks)
	})
}

func (s *PostgresStore) CreateReferralLink(ctx context.Context, link *model.ReferralLink) error {
	return mapErr(queryCreateReferralLink(ctx, s.db, link))
}

func (s *PostgresStore) GetReferralLink(ctx context.Context, actorID string) (*model.ReferralLink, error) {
	v, err := queryGetReferralLink(ctx, s.db, actorID)
	return v, mapErr(err)
}

func (s *PostgresStore) GetReferralLinkByCode(ctx context.Context, code string) (*model.ReferralLink, error) {
	v, err := queryGetReferralLinkByCode(ctx, s.db, code)
	return v, mapErr(err)
}

func (s *PostgresStore) IncrementReferralCounts(ctx context.Context, actorID string, total, qualified int) error {
	return mapErr(queryIncrementReferralCounts(ctx, s.db, actorID, total, qualified))
}

func (s *PostgresStore) ListReferrers(ctx context.Context, minReferred int) ([]*model.ReferralLink, error) {
	v, err := queryListReferrers(ctx, s.db, minReferred)
	return v, mapErr(err)
}

func (s *PostgresStore) InsertReferralEdges(ctx context.Context, edges []*model.ReferralEdge) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.InsertReferralEdges(ctx, edges)
	})
}

func (s *PostgresStore) GetUpline(ctx context.Context, descendantID string) ([]*model.ReferralEdge, error) {
	v, err := queryGetUpline(ctx, s.db, descendantID)
	return v, mapErr(err)
}

func (s *PostgresStore) QualifyEdges(ctx context.Context, descendantID, action string, at time.Time) ([]*model.ReferralEdge, error) {
	v, err := queryQualifyEdges(ctx, s.db, descendantID, action, at)
	return v, mapErr(err)
}

func (s *PostgresStore) ListDownline(ctx context.Context, ancestorID string) ([]*model.ReferralEdge, error) {
	v, err := queryListDownline(ctx, s.db, ancestorID)
	return v, mapErr(err)
}

func (s *PostgresStore) InsertReferralBonus(ctx context.Context, b *model.ReferralBonus) error {
	return mapErr(queryInsertReferralBonus(ctx, s.db, b))
}

func (s *PostgresStore) SumReferralBonuses(ctx context.Context, earnerID string) (int, error) {
	v, err := querySumReferralBonuses(ctx, s.db, earnerID)
	return v, mapErr(err)
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, sub *model.Submission) error {
	return mapErr(queryInsertSubmission(ctx, s.db, sub))
}

func (s *PostgresStore) CountSubmissionsSince(ctx context.Context, actorID string, since time.Time) (int, error) {
	v, err := queryCountSubmissionsSince(ctx, s.db, actorID, since)
	return v, mapErr(err)
}

func (s *PostgresStore) HasSubmissionTitle(ctx context.Context, actorID, normalizedTitle string) (bool, error) {
	v, err := queryHasSubmissionTitle(ctx, s.db, actorID, normalizedTitle)
	return v, mapErr(err)
}

func (s *PostgresStore) LastSubmissionAt(ctx context.Context, actorID, target string) (time.Time, error) {
	v, err := queryLastSubmissionAt(ctx, s.db, actorID, target)
	return v, mapErr(err)
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, actorIDs []string, since time.Time) ([]*model.Submission, error) {
	v, err := queryListSubmissions(ctx, s.db, actorIDs, since)
	return v, mapErr(err)
}

func (s *PostgresStore) InsertSpamFlag(ctx context.Context, f *model.SpamFlag) error {
	return mapErr(queryInsertSpamFlag(ctx, s.db, f))
}

func (s *PostgresStore) CountSpamFlags(ctx context.Context, actorID string, severity model.SpamSeverity) (int, error) {
	v, err := queryCountSpamFlags(ctx, s.db, actorID, severity)
	return v, mapErr(err)
}

func (s *PostgresStore) GetRiskFlag(ctx context.Context, actorID string) (*model.RiskFlag, error) {
	v, err := queryGetRiskFlag(ctx, s.db, actorID)
	return v, mapErr(err)
}

func (s *PostgresStore) UpsertRiskFlag(ctx context.Context, f *model.RiskFlag) error {
	return mapErr(queryUpsertRiskFlag(ctx, s.db, f))
}

func (s *PostgresStore) ListRiskFlags(ctx context.Context, filter model.RiskFlagFilter) ([]*model.RiskFlag, error) {
	v, err := queryListRiskFlags(ctx, s.db, filter)
	return v, mapErr(err)
}

func (s *PostgresStore) GetSeason(ctx context.Context, number int) (*model.Season, error) {
	v, err := queryGetSeason(ctx, s.db, number)
	return v, mapErr(err)
}

func (s *PostgresStore) UpsertSeason(ctx context.Context, season *model.Season) error {
	return mapErr(queryUpsertSeason(ctx, s.db, season))
}

func (s *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	v, err := queryAcquireLease(ctx, s.db, name, holder, ttl)
	return v, mapErr(err)
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	return mapErr(queryReleaseLease(ctx, s.db, name, holder))
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapErr(err))
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapErr(err))
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

// savepoint runs fn inside a named savepoint so a refused write leaves the
// surrounding transaction usable.
func (s *txStore) savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return mapErr(err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(mapErr(err), rbErr)
		}
		return mapErr(err)
	}
	_, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return mapErr(err)
}

func (s *txStore) UpsertParticipant(ctx context.Context, p *model.Participant) error {
	return mapErr(queryUpsertParticipant(ctx, s.tx, p))
}

func (s *txStore) GetParticipant(ctx context.Context, actorID string) (*model.Participant, error) {
	v, err := queryGetParticipant(ctx, s.tx, actorID)
	return v, mapErr(err)
}

func (s *txStore) ListParticipants(ctx context.Context) ([]*model.Participant, error) {
	v, err := queryListParticipants(ctx, s.tx)
	return v, mapErr(err)
}

func (s *txStore) LockParticipant(ctx context.Context, actorID string) error {
	return mapErr(queryLockParticipant(ctx, s.tx, actorID))
}

func (s *txStore) CountRegistrationsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	v, err := queryCountRegistrationsByIP(ctx, s.tx, ip, since)
	return v, mapErr(err)
}

func (s *txStore) AppendEvent(ctx context.Context, ev *model.ParticipationEvent, opts store.AppendOptions) error {
	return s.savepoint(ctx, "append_event", func() error {
		return queryAppendEvent(ctx, s.tx, ev, opts)
	})
}

func (s *txStore) ListEvents(ctx context.Context, actorID string, season int) ([]*model.ParticipationEvent, error) {
	v, err := queryListEvents(ctx, s.tx, actorID, season)
	return v, mapErr(err)
}

func (s *txStore) ListActiveWeeks(ctx context.Context, actorID string) ([]model.SeasonWeek, error) {
	v, err := queryListActiveWeeks(ctx, s.tx, actorID)
	return v, mapErr(err)
}

func (s *txStore) ListSeasonActors(ctx context.Context, season int) ([]string, error) {
	v, err := queryListSeasonActors(ctx, s.tx, season)
	return v, mapErr(err)
}

func (s *txStore) CountEventsByKind(ctx context.Context, actorIDs []string, kinds []model.EventKind) (map[model.EventKind]int, error) {
	v, err := queryCountEventsByKind(ctx, s.tx, actorIDs, kinds)
	return v, mapErr(err)
}

func (s *txStore) WeeklyPositiveTotal(ctx context.Context, actorID string, sw model.SeasonWeek) (int, error) {
	v, err := queryWeeklyPositiveTotal(ctx, s.tx, actorID, sw)
	return v, mapErr(err)
}

func (s *txStore) GetScore(ctx context.Context, actorID string, season int) (*model.ContributionScore, error) {
	v, err := queryGetScore(ctx, s.tx, actorID, season)
	return v, mapErr(err)
}

func (s *txStore) UpsertScore(ctx context.Context, sc *model.ContributionScore) error {
	return mapErr(queryUpsertScore(ctx, s.tx, sc))
}

func (s *txStore) SetSybilMultiplier(ctx context.Context, actorID string, season int, multiplier float64) error {
	return mapErr(querySetSybilMultiplier(ctx, s.tx, actorID, season, multiplier))
}

func (s *txStore) ApplyDecay(ctx context.Context, actorID string, season int, rate float64, cycle string, at time.Time) (bool, error) {
	v, err := queryApplyDecay(ctx, s.tx, actorID, season, rate, cycle, at)
	return v, mapErr(err)
}

func (s *txStore) ListScores(ctx context.Context, filter model.ScoreFilter) ([]*model.ContributionScore, int, error) {
	rows, total, err := queryListScores(ctx, s.tx, filter)
	return rows, total, mapErr(err)
}

func (s *txStore) SetRanks(ctx context.Context, season int, ranks []model.RankAssignment) error {
	return mapErr(querySetRanks(ctx, s.tx, season, ranks))
}

func (s *txStore) CreateReferralLink(ctx context.Context, link *model.ReferralLink) error {
	return mapErr(queryCreateReferralLink(ctx, s.tx, link))
}

func (s *txStore) GetReferralLink(ctx context.Context, actorID string) (*model.ReferralLink, error) {
	v, err := queryGetReferralLink(ctx, s.tx, actorID)
	return v, mapErr(err)
}

func (s *txStore) GetReferralLinkByCode(ctx context.Context, code string) (*model.ReferralLink, error) {
	v, err := queryGetReferralLinkByCode(ctx, s.tx, code)
	return v, mapErr(err)
}

func (s *txStore) IncrementReferralCounts(ctx context.Context, actorID string, total, qualified int) error {
	return mapErr(queryIncrementReferralCounts(ctx, s.tx, actorID, total, qualified))
}

func (s *txStore) ListReferrers(ctx context.Context, minReferred int) ([]*model.ReferralLink, error) {
	v, err := queryListReferrers(ctx, s.tx, minReferred)
	return v, mapErr(err)
}

func (s *txStore) InsertReferralEdges(ctx context.Context, edges []*model.ReferralEdge) error {
	return mapErr(queryInsertReferralEdges(ctx, s.tx, edges))
}

func (s *txStore) GetUpline(ctx context.Context, descendantID string) ([]*model.ReferralEdge, error) {
	v, err := queryGetUpline(ctx, s.tx, descendantID)
	return v, mapErr(err)
}

func (s *txStore) QualifyEdges(ctx context.Context, descendantID, action string, at time.Time) ([]*model.ReferralEdge, error) {
	v, err := queryQualifyEdges(ctx, s.tx, descendantID, action, at)
	return v, mapErr(err)
}

func (s *txStore) ListDownline(ctx context.Context, ancestorID string) ([]*model.ReferralEdge, error) {
	v, err := queryListDownline(ctx, s.tx, ancestorID)
	return v, mapErr(err)
}

func (s *txStore) InsertReferralBonus(ctx context.Context, b *model.ReferralBonus) error {
	return mapErr(queryInsertReferralBonus(ctx, s.tx, b))
}

func (s *txStore) SumReferralBonuses(ctx context.Context, earnerID string) (int, error) {
	v, err := querySumReferralBonuses(ctx, s.tx, earnerID)
	return v, mapErr(err)
}

func (s *txStore) InsertSubmission(ctx context.Context, sub *model.Submission) error {
	return mapErr(queryInsertSubmission(ctx, s.tx, sub))
}

func (s *txStore) CountSubmissionsSince(ctx context.Context, actorID string, since time.Time) (int, error) {
	v, err := queryCountSubmissionsSince(ctx, s.tx, actorID, since)
	return v, mapErr(err)
}

func (s *txStore) HasSubmissionTitle(ctx context.Context, actorID, normalizedTitle string) (bool, error) {
	v, err := queryHasSubmissionTitle(ctx, s.tx, actorID, normalizedTitle)
	return v, mapErr(err)
}

func (s *txStore) LastSubmissionAt(ctx context.Context, actorID, target string) (time.Time, error) {
	v, err := queryLastSubmissionAt(ctx, s.tx, actorID, target)
	return v, mapErr(err)
}

func (s *txStore) ListSubmissions(ctx context.Context, actorIDs []string, since time.Time) ([]*model.Submission, error) {
	v, err := queryListSubmissions(ctx, s.tx, actorIDs, since)
	return v, mapErr(err)
}

func (s *txStore) InsertSpamFlag(ctx context.Context, f *model.SpamFlag) error {
	return mapErr(queryInsertSpamFlag(ctx, s.tx, f))
}

func (s *txStore) CountSpamFlags(ctx context.Context, actorID string, severity model.SpamSeverity) (int, error) {
	v, err := queryCountSpamFlags(ctx, s.tx, actorID, severity)
	return v, mapErr(err)
}

func (s *txStore) GetRiskFlag(ctx context.Context, actorID string) (*model.RiskFlag, error) {
	v, err := queryGetRiskFlag(ctx, s.tx, actorID)
	return v, mapErr(err)
}

func (s *txStore) UpsertRiskFlag(ctx context.Context, f *model.RiskFlag) error {
	return mapErr(queryUpsertRiskFlag(ctx, s.tx, f))
}

func (s *txStore) ListRiskFlags(ctx context.Context, filter model.RiskFlagFilter) ([]*model.RiskFlag, error) {
	v, err := queryListRiskFlags(ctx, s.tx, filter)
	return v, mapErr(err)
}

func (s *txStore) GetSeason(ctx context.Context, number int) (*model.Season, error) {
	v, err := queryGetSeason(ctx, s.tx, number)
	return v, mapErr(err)
}

func (s *txStore) UpsertSeason(ctx context.Context, season *model.Season) error {
	return mapErr(queryUpsertSeason(ctx, s.tx, season))
}

func (s *txStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	v, err := queryAcquireLease(ctx, s.tx, name, holder, ttl)
	return v, mapErr(err)
}

func (s *txStore) ReleaseLease(ctx context.Context, name, holder string) error {
	return mapErr(queryReleaseLease(ctx, s.tx, name, holder))
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
