package imapsession

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// ListMessages returns the most recent messages in a folder, newest
// first, optionally filtered to unseen-only or to UIDs greater than
// SinceUID (for incremental sync).
func (s *Session) ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	sc := &imap.SearchCriteria{}
	if opts.Unseen {
		sc.NotFlag = append(sc.NotFlag, imap.FlagSeen)
	}
	if opts.SinceUID > 0 {
		var set imap.UIDSet
		set.AddRange(imap.UID(opts.SinceUID+1), 0)
		sc.UID = append(sc.UID, set)
	}

	searchData, err := s.client.UIDSearch(sc, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imapsession: search: %w", err)
	}
	uids := searchData.AllUIDs()
	if opts.SinceUID == 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	envs, err := s.fetchEnvelopes(uids)
	if err != nil {
		return nil, err
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].UID > envs[j].UID })
	return envs, nil
}

// SearchAllUIDs returns the complete UID set of a folder via UID
// SEARCH ALL, with no window or limit applied. Unlike ListMessages
// (capped to the newest page for UI/AI-caller pagination), this is
// the primitive the cache syncer needs for a faithful view of "S" in
// its reconciliation pass — a folder with tens of thousands of cached
// messages must still be diffed against every UID the server reports,
// not just the newest slice.
func (s *Session) SearchAllUIDs(ctx context.Context, folder string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	folder = defaultInbox(folder)
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imapsession: search all: %w", err)
	}
	uids := searchData.AllUIDs()
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FetchEnvelopesByUID fetches envelope/flags/size for exactly the
// given UIDs — no SEARCH involved. The cache syncer uses this to
// materialize only the UIDs it doesn't already have cached, instead
// of re-fetching every envelope in the folder on each pass.
func (s *Session) FetchEnvelopesByUID(ctx context.Context, folder string, uids []uint32) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	folder = defaultInbox(folder)
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}
	envs, err := s.fetchEnvelopes(set)
	if err != nil {
		return nil, err
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].UID > envs[j].UID })
	return envs, nil
}

func defaultInbox(folder string) string {
	if folder == "" {
		return "INBOX"
	}
	return folder
}

// SearchMessages runs a typed Criteria query against a folder.
func (s *Session) SearchMessages(ctx context.Context, opts SearchOptions) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	sc := &imap.SearchCriteria{}
	if opts.Criteria != nil {
		sc = opts.Criteria.Build()
	}

	searchData, err := s.client.UIDSearch(sc, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imapsession: search: %w", err)
	}
	uids := searchData.AllUIDs()
	if opts.Limit > 0 && len(uids) > opts.Limit {
		uids = uids[len(uids)-opts.Limit:]
	}

	envs, err := s.fetchEnvelopes(uids)
	if err != nil {
		return nil, err
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].UID > envs[j].UID })
	return envs, nil
}

func (s *Session) fetchEnvelopes(uids []imap.UID) ([]Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var set imap.UIDSet
	for _, u := range uids {
		set.AddNum(u)
	}

	fetchOpts := &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	}
	fetchCmd := s.client.Fetch(set, fetchOpts)
	defer fetchCmd.Close()

	var out []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := parseEnvelopeData(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, fetchCmd.Close()
}

func parseEnvelopeData(msg *imapclient.FetchMessageData) (Envelope, error) {
	var env Envelope
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				env.Flags = append(env.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			env.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
				}
				for _, a := range data.Envelope.To {
					env.To = append(env.To, formatAddress(a))
				}
			}
		}
	}
	return env, nil
}

func formatAddress(addr imap.Address) string {
	full := addr.Mailbox + "@" + addr.Host
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, full)
	}
	return full
}
