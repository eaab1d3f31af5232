package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whiteclaws/clawpoints/internal/store"
)

// Destination is a snapshot target (S3, local directory).
type Destination interface {
	// Write stores the JSONL payload under name, replacing any previous copy.
	Write(ctx context.Context, name string, data []byte) error
}

// Result describes one export.
type Result struct {
	Season  int      `json:"season"`
	Scores  int      `json:"scores"`
	Bytes   int      `json:"bytes"`
	Objects []string `json:"objects"`
}

// Exporter writes leaderboard snapshots to every configured destination.
type Exporter struct {
	store        store.Store
	destinations []Destination
	logger       *slog.Logger
}

// NewExporter creates an exporter. With no destinations every export is a no-op.
func NewExporter(s store.Store, destinations []Destination, logger *slog.Logger) *Exporter {
	return &Exporter{store: s, destinations: destinations, logger: logger}
}

// Enabled reports whether any destination is configured.
func (e *Exporter) Enabled() bool { return len(e.destinations) > 0 }

// ObjectNames returns the timestamped and latest names for a season snapshot.
func ObjectNames(season int, at time.Time) (stamped, latest string) {
	dir := fmt.Sprintf("season-%d/", season)
	return dir + at.UTC().Format("20060102T150405Z") + ".jsonl", dir + "latest.jsonl"
}

// Export writes season's leaderboard to each destination under a
// timestamped name and as latest.jsonl. A failed destination is logged and
// the remaining ones are still written; the joined error is returned.
func (e *Exporter) Export(ctx context.Context, season int, at time.Time) (*Result, error) {
	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, e.store, season, at, &buf)
	if err != nil {
		return nil, err
	}
	data := buf.Bytes()
	stamped, latest := ObjectNames(season, at)

	res := &Result{Season: season, Scores: n, Bytes: len(data)}
	var errs []error
	for _, dest := range e.destinations {
		for _, name := range []string{stamped, latest} {
			if err := dest.Write(ctx, name, data); err != nil {
				e.logger.Error("snapshot write failed", "destination", fmt.Sprint(dest), "object", name, "err", err)
				errs = append(errs, err)
				continue
			}
			res.Objects = append(res.Objects, fmt.Sprintf("%v:%s", dest, name))
		}
	}

	e.logger.Info("snapshot exported", "season", season, "scores", n, "destinations", len(e.destinations), "bytes", len(data))
	return res, errors.Join(errs...)
}
