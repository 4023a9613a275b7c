package driver_test

import (
	"testing"

	"github.com/forgebuild/forge/internal/driver"
)

func TestHistoryTracksHitsAndMisses(t *testing.T) {
	h := driver.NewHistory()
	run := h.StartRun()

	h.RecordHit()
	h.RecordHit()
	h.RecordMiss()

	if run.Hits != 2 || run.Misses != 1 {
		t.Fatalf("expected 2 hits and 1 miss, got hits=%d misses=%d", run.Hits, run.Misses)
	}

	h.EndRun()
	if run.EndedAt.IsZero() {
		t.Error("expected EndRun to stamp EndedAt")
	}
}

func TestHistoryRecordsAreNoOpsWithoutARun(t *testing.T) {
	h := driver.NewHistory()
	h.RecordHit()
	h.RecordMiss()

	hits, misses := h.Stats()
	if hits != 0 || misses != 0 {
		t.Errorf("expected no-op recording before a run starts, got hits=%d misses=%d", hits, misses)
	}
}

func TestHistoryStatsAggregatesAcrossRuns(t *testing.T) {
	h := driver.NewHistory()

	h.StartRun()
	h.RecordHit()
	h.EndRun()

	h.StartRun()
	h.RecordHit()
	h.RecordMiss()
	h.EndRun()

	hits, misses := h.Stats()
	if hits != 2 || misses != 1 {
		t.Fatalf("expected aggregated hits=2 misses=1, got hits=%d misses=%d", hits, misses)
	}
	if len(h.ListRuns()) != 2 {
		t.Errorf("expected two recorded runs, got %d", len(h.ListRuns()))
	}
}
