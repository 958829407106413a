package mvstore

import (
	"fmt"
	"testing"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// TestCompactPreservesDataAndShrinksFile checks that after many
// maps and chunks accumulate, Compact/CompactMoveChunks reclaim space
// without losing any committed data, and the file does not grow past
// compaction.
func TestCompactPreservesDataAndShrinksFile(t *testing.T) {
	s := openTest(t, Config{FileName: tempFile(t)})
	s.SetRetentionTime(0)

	maps := make([]*page.MVMap, 0, 4)
	for i := 0; i < 4; i++ {
		mm, err := s.OpenMap(fmt.Sprintf("map-%d", i))
		if err != nil {
			t.Fatalf("OpenMap %d: %v", i, err)
		}
		maps = append(maps, mm)
	}

	const rounds = 60
	for r := 0; r < rounds; r++ {
		for mi, mm := range maps {
			for k := 0; k < 10; k++ {
				mm.Put(fmt.Sprintf("k-%d-%d", mi, k), fmt.Sprintf("v-%d-%d-%d", mi, k, r))
			}
		}
		if _, err := s.Commit(); err != nil {
			t.Fatalf("Commit round %d: %v", r, err)
		}
		s.freeUnusedChunks()
	}

	beforeLen := s.dev.FileLengthInUse()

	if _, err := s.CompactRewriteFully(); err != nil {
		t.Fatalf("CompactRewriteFully: %v", err)
	}
	s.freeUnusedChunks()
	if err := s.CompactMoveChunks(100, 1<<30); err != nil {
		t.Fatalf("CompactMoveChunks: %v", err)
	}

	afterLen := s.dev.FileLengthInUse()
	if afterLen > beforeLen {
		t.Fatalf("file grew after compaction: %d -> %d", beforeLen, afterLen)
	}

	for mi, mm := range maps {
		for k := 0; k < 10; k++ {
			want := fmt.Sprintf("v-%d-%d-%d", mi, k, rounds-1)
			got, ok := mm.Get(fmt.Sprintf("k-%d-%d", mi, k))
			if !ok || got != want {
				t.Fatalf("map %d key %d after compaction = %q, %v; want %q, true", mi, k, got, ok, want)
			}
		}
	}
}

// TestCompactRespectsTargetFillRate covers Compact being a no-op once the
// device already meets the requested fill rate.
func TestCompactRespectsTargetFillRate(t *testing.T) {
	s := openTest(t, Config{FileName: tempFile(t)})
	mm, err := s.OpenMap("m")
	if err != nil {
		t.Fatalf("OpenMap: %v", err)
	}
	mm.Put("k", "v")
	if _, err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rewritten, err := s.Compact(0, 1<<20)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if rewritten != 0 {
		t.Fatalf("Compact(targetFillRate=0, ...) rewrote %d bytes, want 0 (already above target)", rewritten)
	}
}
