package moveengine

import (
	"context"
	"errors"
	"testing"

	"github.com/rustymail/mailgw/internal/imapsession"
)

// fakeSession is a minimal in-memory stand-in for *imapsession.Session
// satisfying imapMover, letting Move/rollback be driven deterministically
// without a live IMAP server.
type fakeSession struct {
	live    map[string]map[uint32]bool // folder -> uid -> present
	deleted map[string]map[uint32]bool // folder -> uid -> \Deleted set
	msgIDs  map[uint32]string
	nextUID uint32

	expungeFailFolder string // ExpungeUIDs fails the first time it's called against this folder
	expungeFailed     bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		live:    map[string]map[uint32]bool{},
		deleted: map[string]map[uint32]bool{},
		msgIDs:  map[uint32]string{},
	}
}

func (f *fakeSession) seed(folder string, uid uint32, msgID string) {
	if f.live[folder] == nil {
		f.live[folder] = map[uint32]bool{}
	}
	f.live[folder][uid] = true
	f.msgIDs[uid] = msgID
	if uid >= f.nextUID {
		f.nextUID = uid + 1
	}
}

func (f *fakeSession) NativeMove(ctx context.Context, folder string, uids []uint32, destination string) error {
	return imapsession.ErrMoveUnsupported
}

func (f *fakeSession) Copy(ctx context.Context, folder string, uids []uint32, destination string) error {
	if f.live[destination] == nil {
		f.live[destination] = map[uint32]bool{}
	}
	for _, uid := range uids {
		if !f.live[folder][uid] {
			continue
		}
		newUID := f.nextUID
		f.nextUID++
		f.live[destination][newUID] = true
		f.msgIDs[newUID] = f.msgIDs[uid]
	}
	return nil
}

func (f *fakeSession) MarkDeleted(ctx context.Context, folder string, uids []uint32) error {
	if f.deleted[folder] == nil {
		f.deleted[folder] = map[uint32]bool{}
	}
	for _, uid := range uids {
		f.deleted[folder][uid] = true
	}
	return nil
}

func (f *fakeSession) ExpungeUIDs(ctx context.Context, folder string, uids []uint32) error {
	if f.expungeFailFolder == folder && !f.expungeFailed {
		f.expungeFailed = true
		return errors.New("fake: injected expunge failure")
	}
	for _, uid := range uids {
		if f.deleted[folder] == nil || !f.deleted[folder][uid] {
			continue
		}
		delete(f.live[folder], uid)
		delete(f.deleted[folder], uid)
	}
	return nil
}

func (f *fakeSession) UndeleteFlag(ctx context.Context, folder string, uids []uint32) error {
	for _, uid := range uids {
		if f.deleted[folder] != nil {
			delete(f.deleted[folder], uid)
		}
	}
	return nil
}

func (f *fakeSession) FetchMessageIDs(ctx context.Context, folder string, uids []uint32) (map[uint32]string, error) {
	out := make(map[uint32]string, len(uids))
	for _, uid := range uids {
		out[uid] = f.msgIDs[uid]
	}
	return out, nil
}

func (f *fakeSession) FindUIDByMessageID(ctx context.Context, folder, messageID string) (uint32, bool, error) {
	for uid := range f.live[folder] {
		if f.msgIDs[uid] == messageID {
			return uid, true, nil
		}
	}
	return 0, false, nil
}

func TestMoveFallbackSucceeds(t *testing.T) {
	sess := newFakeSession()
	sess.seed("INBOX", 42, "mid-42")

	e := New(NewLog(), nil)
	txn, err := e.Move(context.Background(), sess, "acct", "INBOX", "Archive", []uint32{42})
	if err != nil {
		t.Fatalf("Move returned error: %v", err)
	}
	if txn.Err != nil {
		t.Fatalf("txn.Err = %v, want nil", txn.Err)
	}
	if sess.live["INBOX"][42] {
		t.Fatalf("uid 42 still present in INBOX after successful move")
	}
	if len(sess.live["Archive"]) != 1 {
		t.Fatalf("expected exactly one message in Archive, got %d", len(sess.live["Archive"]))
	}
}

// TestMoveRollbackRemovesDuplicateOnExpungeFailure drives scenario S3:
// move UID 42 from INBOX to Archive with the source EXPUNGE failing
// after COPY+STORE succeeded. Testable property #4 requires that
// Archive's message count is unchanged from before the call — the
// rollback must remove the stray copy it left there, not merely log
// a warning and walk away.
func TestMoveRollbackRemovesDuplicateOnExpungeFailure(t *testing.T) {
	sess := newFakeSession()
	sess.seed("INBOX", 42, "mid-42")
	sess.expungeFailFolder = "INBOX"

	e := New(NewLog(), nil)
	_, err := e.Move(context.Background(), sess, "acct", "INBOX", "Archive", []uint32{42})
	if err == nil {
		t.Fatalf("expected Move to return an error from the injected expunge failure")
	}

	if !sess.live["INBOX"][42] {
		t.Fatalf("uid 42 missing from INBOX after rollback; source message lost")
	}
	if sess.deleted["INBOX"][42] {
		t.Fatalf("uid 42 still marked \\Deleted in INBOX after rollback")
	}
	if len(sess.live["Archive"]) != 0 {
		t.Fatalf("expected Archive to contain no messages after rollback, got %d (duplicate leaked)", len(sess.live["Archive"]))
	}
}

func TestLogRecordsMostRecentFirst(t *testing.T) {
	l := NewLog()
	l.record(&Transaction{Account: "a"})
	l.record(&Transaction{Account: "b"})
	l.record(&Transaction{Account: "c"})

	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].Account != "c" || recent[1].Account != "b" {
		t.Fatalf("expected [c b], got [%s %s]", recent[0].Account, recent[1].Account)
	}
}

func TestLogAssignsSequentialIDs(t *testing.T) {
	l := NewLog()
	l.record(&Transaction{})
	l.record(&Transaction{})
	all := l.Recent(0)
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].ID == all[1].ID {
		t.Fatalf("expected distinct ids, got %q twice", all[0].ID)
	}
}
