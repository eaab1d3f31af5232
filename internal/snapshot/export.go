// Package snapshot exports season leaderboards as JSONL to object storage or
// a local directory.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store"
)

// pageSize bounds each leaderboard read.
const pageSize = 500

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version    string    `json:"version"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Season     int       `json:"season"`
	ScoreCount int       `json:"score_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes season's leaderboard from the store as JSONL to w, in
// rank order. It returns the number of score records written.
func ExportJSONL(ctx context.Context, s store.Store, season int, at time.Time, w io.Writer) (int, error) {
	var scores []*model.ContributionScore
	for offset := 0; ; offset += pageSize {
		page, total, err := s.ListScores(ctx, model.ScoreFilter{Season: season, Limit: pageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("list scores: %w", err)
		}
		scores = append(scores, page...)
		if len(page) < pageSize || len(scores) >= total {
			break
		}
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  at.UTC(),
		Season:     season,
		ScoreCount: len(scores),
	}); err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	for _, sc := range scores {
		if err := enc.Encode(record{Type: "score", Data: sc}); err != nil {
			return 0, fmt.Errorf("encode score %s: %w", sc.ActorID, err)
		}
	}
	return len(scores), nil
}
