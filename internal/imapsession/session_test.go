package imapsession

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNoBareBodyFetch guards the one invariant that matters most in
// this package: every BODY[...] fetch must be a peek. A reviewer who
// later "fixes" a read path by flipping Peek back to false breaks a
// spec invariant silently unless this test catches it.
func TestNoBareBodyFetch(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	for _, f := range files {
		if strings.HasSuffix(f, "_test.go") {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if strings.Contains(string(data), "Peek: false") {
			t.Fatalf("%s fetches a body section with Peek: false; message reads must never mark \\Seen as a side effect", f)
		}
	}
}

func TestCriteriaBuildCombinesClauses(t *testing.T) {
	c := And(
		HasFlag(`\Flagged`),
		Or(Header("From", "boss@example.com"), Header("Subject", "urgent")),
		Not(LacksFlag(`\Seen`)),
		Since(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	)
	sc := c.Build()

	if len(sc.Flag) != 1 || sc.Flag[0] != `\Flagged` {
		t.Fatalf("expected one Flagged clause, got %v", sc.Flag)
	}
	if len(sc.Or) != 1 {
		t.Fatalf("expected one Or clause, got %d", len(sc.Or))
	}
	if len(sc.Not) != 1 {
		t.Fatalf("expected one Not clause, got %d", len(sc.Not))
	}
	if sc.Since.IsZero() {
		t.Fatal("expected Since to be set")
	}
}

func TestUIDRangeUnboundedAbove(t *testing.T) {
	c := UIDRange(42, 0)
	sc := c.Build()
	if len(sc.UID) != 1 {
		t.Fatalf("expected one UID set clause, got %d", len(sc.UID))
	}
}
