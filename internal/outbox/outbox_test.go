package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/cache"
)

type fakeSender struct {
	fail     bool
	sendErr  error
	sendCall int
}

func (f *fakeSender) Compose(p Payload) ([]byte, error) { return []byte("msg"), nil }

func (f *fakeSender) Send(ctx context.Context, ep account.Endpoint, oauth account.OAuthTokens, from string, recipients []string, msg []byte) error {
	f.sendCall++
	if f.fail {
		return fmt.Errorf("smtp unavailable")
	}
	return f.sendErr
}

type fakeAccounts struct {
	a account.Account
}

func (f fakeAccounts) Require(id string) (account.Account, error) {
	if id != f.a.ID {
		return account.Account{}, account.ErrAccountNotFound
	}
	return f.a, nil
}

type fakeAppender struct {
	fail       bool
	appendErr  error
	calls      int
	lastFolder string
}

func (f *fakeAppender) AppendSent(ctx context.Context, accountID, folder string, raw []byte) error {
	f.calls++
	f.lastFolder = folder
	if f.fail {
		if f.appendErr != nil {
			return f.appendErr
		}
		return fmt.Errorf("append failed")
	}
	return nil
}

func newTestQueue(t *testing.T, sender Sender) (*Queue, *cache.Store) {
	t.Helper()
	return newTestQueueWithAppender(t, sender, nil)
}

func newTestQueueWithAppender(t *testing.T, sender Sender, appender SentAppender) (*Queue, *cache.Store) {
	t.Helper()
	store, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	accts := fakeAccounts{a: account.Account{
		ID:   "a@example.com",
		SMTP: account.Endpoint{Host: "smtp.example.com", Port: 587, StartTLS: true, Username: "a@example.com", Password: "secret"},
	}}
	q := New(store.DB(), sender, accts, appender, nil, slog.Default())
	return q, store
}

func TestEnqueueAndProcessMovesToSent(t *testing.T) {
	sender := &fakeSender{}
	q, store := newTestQueue(t, sender)
	defer store.Close()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "a@example.com", Payload{From: "a@example.com", To: []string{"b@example.com"}, Subject: "hi", Body: "hello"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	due, err := q.dueItems(ctx)
	if err != nil {
		t.Fatalf("dueItems: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due item, got %d", len(due))
	}
	q.processOne(ctx, due[0])

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.State != StateSent {
		t.Fatalf("got state %q, want sent", item.State)
	}
	if sender.sendCall != 1 {
		t.Fatalf("expected exactly one send attempt, got %d", sender.sendCall)
	}
}

func TestFailedSendReschedulesWithBackoff(t *testing.T) {
	sender := &fakeSender{fail: true}
	q, store := newTestQueue(t, sender)
	defer store.Close()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "a@example.com", Payload{From: "a@example.com", To: []string{"b@example.com"}})
	due, _ := q.dueItems(ctx)
	q.processOne(ctx, due[0])

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.State != StatePending {
		t.Fatalf("got state %q, want pending (retry scheduled)", item.State)
	}
	if item.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", item.Attempts)
	}
	if !item.NextAttempt.After(time.Now()) {
		t.Fatal("expected next_attempt to be scheduled in the future")
	}
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	sender := &fakeSender{fail: true}
	q, store := newTestQueue(t, sender)
	defer store.Close()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "a@example.com", Payload{From: "a@example.com", To: []string{"b@example.com"}})
	for i := 0; i < maxAttempts; i++ {
		item, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item.State == StateFailed {
			break
		}
		// force immediate retry regardless of backoff for the test
		q.setState(ctx, id, StatePending, item.Attempts, nil, time.Now().UTC())
		due, _ := q.dueItems(ctx)
		q.processOne(ctx, due[0])
	}

	final, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != StateFailed {
		t.Fatalf("got state %q, want failed after exhausting retries", final.State)
	}
}

func TestSentFolderAppendedOnSuccessfulSend(t *testing.T) {
	sender := &fakeSender{}
	appender := &fakeAppender{}
	q, store := newTestQueueWithAppender(t, sender, appender)
	defer store.Close()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "a@example.com", Payload{From: "a@example.com", To: []string{"b@example.com"}})
	due, _ := q.dueItems(ctx)
	q.processOne(ctx, due[0])

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.State != StateSent || !item.SMTPSent || !item.OutboxSaved {
		t.Fatalf("got state=%q smtp_sent=%v outbox_saved=%v, want sent/true/true", item.State, item.SMTPSent, item.OutboxSaved)
	}
	if !item.SentFolderSaved {
		t.Fatal("expected sent_folder_saved=true after a successful append")
	}
	if appender.calls != 1 || appender.lastFolder != defaultSentFolder {
		t.Fatalf("expected one append to %q, got %d calls to %q", defaultSentFolder, appender.calls, appender.lastFolder)
	}
}

// TestSentFolderSaveFailureStaysSentButUnsaved covers invariant #10 and
// §4.7's "best-effort for durability but mandatory for observability":
// a message that SMTP already accepted must reach the terminal sent
// state even if the IMAP Sent-folder append never succeeds.
func TestSentFolderSaveFailureStaysSentButUnsaved(t *testing.T) {
	sender := &fakeSender{}
	appender := &fakeAppender{fail: true}
	q, store := newTestQueueWithAppender(t, sender, appender)
	defer store.Close()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "a@example.com", Payload{From: "a@example.com", To: []string{"b@example.com"}})
	due, _ := q.dueItems(ctx)
	q.processOne(ctx, due[0])

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.State != StateSent {
		t.Fatalf("got state %q, want sent even though the folder save failed", item.State)
	}
	if item.SentFolderSaved {
		t.Fatal("expected sent_folder_saved=false after the append failed")
	}
	if item.FolderAttempts != 1 {
		t.Fatalf("got folder_attempts %d, want 1", item.FolderAttempts)
	}

	for i := item.FolderAttempts; i < maxFolderAttempts; i++ {
		q.processFolderSaves(ctx)
	}

	final, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.SentFolderSaved {
		t.Fatal("appender always fails; sent_folder_saved should remain false")
	}
	if final.FolderAttempts != maxFolderAttempts {
		t.Fatalf("got folder_attempts %d, want %d (retry budget exhausted)", final.FolderAttempts, maxFolderAttempts)
	}
	if appender.calls != maxFolderAttempts {
		t.Fatalf("got %d append calls, want %d", appender.calls, maxFolderAttempts)
	}

	// One more poll must not retry past the exhausted budget.
	q.processFolderSaves(ctx)
	if appender.calls != maxFolderAttempts {
		t.Fatalf("processFolderSaves retried past the exhausted budget: %d calls", appender.calls)
	}
}
