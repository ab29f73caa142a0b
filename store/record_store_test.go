package store

import (
	"testing"
	"time"

	"github.com/bittoy/i3x/types"
)

func mkRecord(v any, ts time.Time) types.Record {
	return types.Record{Value: v, Quality: types.QualityGood, Timestamp: ts}
}

func TestAppendAndHead(t *testing.T) {
	s := New(4)
	if _, ok := s.Head("sensor-001"); ok {
		t.Fatalf("expected no head for unknown element")
	}
	base := time.Date(2025, 10, 26, 10, 15, 30, 0, time.UTC)
	s.Append("sensor-001", mkRecord(1, base))
	s.Append("sensor-001", mkRecord(2, base.Add(time.Hour)))

	head, ok := s.Head("sensor-001")
	if !ok || head.Value != 2 {
		t.Fatalf("expected head value 2, got %v (ok=%v)", head.Value, ok)
	}
}

func TestRingBufferCapsHistory(t *testing.T) {
	s := New(2)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Append("x", mkRecord(i, base.Add(time.Duration(i)*time.Minute)))
	}
	all := s.Range("x", time.Time{}, time.Time{}, true)
	if len(all) != 2 {
		t.Fatalf("expected capped history of 2, got %d", len(all))
	}
	if all[0].Value != 4 || all[1].Value != 3 {
		t.Fatalf("expected newest-first history with the oldest evicted, got %v", all)
	}
}

func TestRangeInclusiveBounds(t *testing.T) {
	s := New(10)
	t1 := time.Date(2025, 10, 26, 10, 15, 30, 0, time.UTC)
	t2 := time.Date(2025, 10, 27, 10, 15, 30, 0, time.UTC)
	t3 := time.Date(2025, 10, 28, 10, 15, 30, 0, time.UTC)
	s.Append("sensor-001", mkRecord("a", t1))
	s.Append("sensor-001", mkRecord("b", t2))
	s.Append("sensor-001", mkRecord("c", t3))

	start := time.Date(2025, 10, 27, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 10, 27, 23, 59, 59, 0, time.UTC)
	got := s.Range("sensor-001", start, end, false)
	if len(got) != 1 || got[0].Value != "b" {
		t.Fatalf("expected exactly the 10/27 record, got %v", got)
	}
}

func TestRangeStartAfterEndIsEmpty(t *testing.T) {
	s := New(10)
	now := time.Now()
	s.Append("x", mkRecord(1, now))
	got := s.Range("x", now.Add(time.Hour), now, false)
	if len(got) != 0 {
		t.Fatalf("expected empty range when start > end, got %v", got)
	}
}

func TestReplaceHeadPreservesQualityByDefault(t *testing.T) {
	s := New(10)
	now := time.Now()
	s.Append("x", types.Record{Value: 12, Quality: types.QualityBad, Timestamp: now})
	rec := s.ReplaceHead("x", 13, now.Add(time.Second), "")
	if rec.Quality != types.QualityBad {
		t.Fatalf("expected quality preserved, got %s", rec.Quality)
	}
	head, _ := s.Head("x")
	if head.Value != 13 {
		t.Fatalf("expected replaced value 13, got %v", head.Value)
	}
}

func TestReturnHistoryFalseReturnsHeadOnly(t *testing.T) {
	s := New(10)
	now := time.Now()
	s.Append("x", mkRecord(1, now))
	s.Append("x", mkRecord(2, now.Add(time.Minute)))
	got := s.Range("x", time.Time{}, time.Time{}, false)
	if len(got) != 1 || got[0].Value != 2 {
		t.Fatalf("expected only head record, got %v", got)
	}
}
