package imapsession

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// FetchMessageIDs returns each UID's Message-ID header, keyed by UID.
// internal/moveengine calls this before attempting a COPY+STORE+EXPUNGE
// fallback so that, if the sequence fails partway through, it has
// enough identity captured to find the stray copy in the destination
// folder without depending on the server advertising UIDPLUS.
func (s *Session) FetchMessageIDs(ctx context.Context, folder string, uids []uint32) (map[uint32]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(uids) == 0 {
		return nil, nil
	}
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	folder = defaultInbox(folder)
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}

	fetchCmd := s.client.Fetch(set, &imap.FetchOptions{UID: true, Envelope: true})
	defer fetchCmd.Close()

	out := make(map[uint32]string, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		var uid uint32
		var msgID string
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = uint32(data.UID)
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					msgID = data.Envelope.MessageID
				}
			}
		}
		if uid != 0 {
			out[uid] = msgID
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("imapsession: fetch message-ids: %w", err)
	}
	return out, nil
}

// FindUIDByMessageID locates a message in folder by its Message-ID
// header via UID SEARCH HEADER. Used by internal/moveengine's rollback
// path to identify a COPY'd duplicate left in a destination folder
// when a later step in a manual move fails — the spec's "locate the
// copy by... Message-ID fallback" compensating step. Returns ok=false
// (not an error) when nothing matches, since "the copy never landed"
// is a normal rollback outcome, not a failure to report.
func (s *Session) FindUIDByMessageID(ctx context.Context, folder, messageID string) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if messageID == "" {
		return 0, false, nil
	}
	if err := s.ensureConnected(ctx); err != nil {
		return 0, false, err
	}
	folder = defaultInbox(folder)
	if err := s.selectFolder(folder); err != nil {
		return 0, false, err
	}

	sc := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: messageID}},
	}
	searchData, err := s.client.UIDSearch(sc, nil).Wait()
	if err != nil {
		return 0, false, fmt.Errorf("imapsession: search message-id: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return 0, false, nil
	}
	return uint32(uids[len(uids)-1]), true, nil
}
