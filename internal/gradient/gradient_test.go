package gradient

import (
	"testing"
	"time"
)

func unitVec(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1.0
	return v
}

func TestUpdateAdoptsFewerHops(t *testing.T) {
	tbl := New(10, time.Minute, 4)
	if !tbl.Update("cap:1", "chat", unitVec(4, 0), 3, "peerA", "peerA", 0) {
		t.Fatalf("expected first insert to change table")
	}
	if tbl.Update("cap:1", "chat", unitVec(4, 0), 5, "peerB", "peerB", 0) {
		t.Fatalf("expected worse-hop update to be rejected")
	}
	if !tbl.Update("cap:1", "chat", unitVec(4, 0), 1, "peerC", "peerC", 0) {
		t.Fatalf("expected strictly-fewer-hops update to be accepted")
	}
}

func TestUpdateRefreshesTimestampOnSameRoute(t *testing.T) {
	tbl := New(10, time.Minute, 4)
	tbl.Update("cap:1", "chat", unitVec(4, 0), 2, "peerA", "peerA", 0)

	changed := tbl.Update("cap:1", "chat", unitVec(4, 0), 2, "peerA", "peerA", 0)
	if !changed {
		t.Fatalf("expected same-route update to report a change (timestamp refresh)")
	}
}

func TestInvalidateNodeDropsMatchingNextHop(t *testing.T) {
	tbl := New(10, time.Minute, 4)
	tbl.Update("cap:1", "chat", unitVec(4, 0), 1, "peerA", "peerA", 0)
	tbl.Update("cap:2", "vision", unitVec(4, 1), 1, "peerB", "peerB", 0)

	removed := tbl.InvalidateNode("peerA")
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", tbl.Len())
	}
}

func TestPruneExpiredRemovesStaleEntries(t *testing.T) {
	tbl := New(10, time.Millisecond, 4)
	tbl.Update("cap:1", "chat", unitVec(4, 0), 1, "peerA", "peerA", 0)
	time.Sleep(5 * time.Millisecond)

	removed := tbl.PruneExpired()
	if removed != 1 {
		t.Fatalf("expected 1 pruned, got %d", removed)
	}
}

func TestFindBestRouteRanksBySimilarityTimesConfidence(t *testing.T) {
	tbl := New(10, time.Minute, 4)
	// cap:1 is a closer semantic match but farther away (more hops).
	tbl.Update("cap:1", "weather", unitVec(4, 0), 4, "peerA", "peerA", 0)
	// cap:2 is less similar but zero hops (full confidence).
	tbl.Update("cap:2", "other", unitVec(4, 1), 0, "peerB", "peerB", 0)

	match, ok := tbl.FindBestRoute(unitVec(4, 0), 0.01)
	if !ok {
		t.Fatalf("expected a match above min_score")
	}
	if match.Entry.CapabilityID != "cap:1" {
		t.Fatalf("expected cap:1 (best raw similarity) to win despite hop penalty, got %s", match.Entry.CapabilityID)
	}
}

func TestFindBestRouteRejectsBelowMinScore(t *testing.T) {
	tbl := New(10, time.Minute, 4)
	tbl.Update("cap:1", "chat", unitVec(4, 0), 1, "peerA", "peerA", 0)

	_, ok := tbl.FindBestRoute(unitVec(4, 2), 0.99)
	if ok {
		t.Fatalf("expected orthogonal query to fail a high min_score threshold")
	}
}

func TestExportForGossipRespectsHopCap(t *testing.T) {
	tbl := New(10, time.Minute, 4)
	tbl.Update("cap:near", "a", unitVec(4, 0), 2, "peerA", "peerA", 0)
	tbl.Update("cap:far", "b", unitVec(4, 1), 6, "peerB", "peerB", 0)

	exported := tbl.ExportForGossip(5)
	if len(exported) != 1 || exported[0].CapabilityID != "cap:near" {
		t.Fatalf("expected only cap:near within hop cap, got %+v", exported)
	}
}

func TestBoundedGrowthEvictsWorstScore(t *testing.T) {
	tbl := New(2, time.Minute, 4)
	tbl.Update("cap:1", "a", unitVec(4, 0), 5, "peerA", "peerA", 0) // low confidence
	tbl.Update("cap:2", "b", unitVec(4, 1), 0, "peerB", "peerB", 0) // high confidence
	tbl.Update("cap:3", "c", unitVec(4, 2), 0, "peerC", "peerC", 0) // triggers eviction

	if tbl.Len() != 2 {
		t.Fatalf("expected table capped at 2 entries, got %d", tbl.Len())
	}
	if _, ok := tbl.entries["cap:1"]; ok {
		t.Fatalf("expected lowest-confidence entry (cap:1) to be evicted")
	}
}
