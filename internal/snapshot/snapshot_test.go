package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/store/memory"
)

var at = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

// mockDestination records calls to Write.
type mockDestination struct {
	mu     sync.Mutex
	writes map[string][]byte
	fail   bool
}

func (d *mockDestination) Write(_ context.Context, name string, data []byte) error {
	if d.fail {
		return errors.New("bucket unavailable")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writes == nil {
		d.writes = map[string][]byte{}
	}
	d.writes[name] = bytes.Clone(data)
	return nil
}

func seed(t *testing.T, totals map[string]float64) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	for actor, total := range totals {
		if err := st.UpsertScore(ctx, &model.ContributionScore{ActorID: actor, Season: 1, BaseScore: total, TotalScore: total, SybilMultiplier: 1}); err != nil {
			t.Fatalf("UpsertScore: %v", err)
		}
	}
	return st
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestExportJSONL_Empty(t *testing.T) {
	var buf bytes.Buffer
	n, err := ExportJSONL(context.Background(), memory.New(), 1, at, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (header only), got %d", len(lines))
	}
	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != "1" || h.Type != "header" || h.Season != 1 || h.ScoreCount != 0 || !h.Timestamp.Equal(at) {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestExportJSONL_LeaderboardOrder(t *testing.T) {
	st := seed(t, map[string]float64{"carol": 10, "alice": 300, "bob": 120})

	var buf bytes.Buffer
	n, err := ExportJSONL(context.Background(), st, 1, at, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	var order []string
	for _, line := range lines[1:] {
		var rec struct {
			Type string                  `json:"type"`
			Data model.ContributionScore `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		if rec.Type != "score" {
			t.Errorf("type = %q, want score", rec.Type)
		}
		order = append(order, rec.Data.ActorID)
	}
	if strings.Join(order, ",") != "alice,bob,carol" {
		t.Errorf("order = %v, want alice,bob,carol", order)
	}
}

func TestExportJSONL_Pages(t *testing.T) {
	totals := make(map[string]float64, pageSize+7)
	for i := range pageSize + 7 {
		totals[fmt.Sprintf("actor-%04d", i)] = float64(i + 1)
	}
	st := seed(t, totals)

	n, err := ExportJSONL(context.Background(), st, 1, at, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != pageSize+7 {
		t.Errorf("n = %d, want %d", n, pageSize+7)
	}
}

func TestObjectNames(t *testing.T) {
	stamped, latest := ObjectNames(2, at)
	if stamped != "season-2/20260203T040506Z.jsonl" {
		t.Errorf("stamped = %q", stamped)
	}
	if latest != "season-2/latest.jsonl" {
		t.Errorf("latest = %q", latest)
	}
}

func TestExporter_WritesEveryDestination(t *testing.T) {
	st := seed(t, map[string]float64{"alice": 300})
	good := &mockDestination{}
	bad := &mockDestination{fail: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	res, err := NewExporter(st, []Destination{bad, good}, logger).Export(context.Background(), 1, at)
	if err == nil {
		t.Fatal("expected the failing destination to surface an error")
	}
	if res.Scores != 1 || len(res.Objects) != 2 {
		t.Errorf("result = %+v, want 1 score in 2 objects", res)
	}
	stamped, latest := ObjectNames(1, at)
	if !bytes.Equal(good.writes[stamped], good.writes[latest]) || len(good.writes[latest]) != res.Bytes {
		t.Errorf("destination got %v", good.writes)
	}
}

func TestExporter_Disabled(t *testing.T) {
	e := NewExporter(memory.New(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if e.Enabled() {
		t.Error("exporter without destinations reports enabled")
	}
}

func TestDirDestination(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	d, err := NewDirDestination(dir)
	if err != nil {
		t.Fatalf("NewDirDestination: %v", err)
	}
	ctx := context.Background()
	if err := d.Write(ctx, "season-1/latest.jsonl", []byte("one\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Write(ctx, "season-1/latest.jsonl", []byte("two\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "season-1", "latest.jsonl"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "two\n" {
		t.Errorf("file = %q, want the second write", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "season-1", "latest.jsonl.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}
