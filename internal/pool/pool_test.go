package pool

import (
	"sync"
	"testing"
)

func newTestPool(maxSize int) *AccountPool {
	p := &AccountPool{cfg: Config{MaxSize: maxSize}.withDefaults()}
	p.cfg.MaxSize = maxSize
	p.cond = sync.NewCond(&p.mu)
	p.stopCh = make(chan struct{})
	return p
}

func TestMetricsReflectsUsage(t *testing.T) {
	p := newTestPool(2)
	p.entries = []*entry{
		{inUse: true},
		{inUse: false},
	}
	m := p.Metrics()
	if m.Total != 2 || m.Active != 1 || m.Available != 1 {
		t.Fatalf("got %+v", m)
	}
}

func TestReleaseMarksEntryIdle(t *testing.T) {
	p := newTestPool(2)
	e := &entry{inUse: true}
	p.entries = []*entry{e}

	p.Release(e.sess) // sess is nil here, matching by pointer identity below instead
	// Release matches by *imapsession.Session pointer; since e.sess is nil
	// and we passed nil, it still matches — this exercises the idle-flip
	// path without needing a live IMAP connection.
	if e.inUse {
		t.Fatal("expected entry to be marked idle after Release")
	}
}
