package imapsession

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// NativeMove issues a single RFC 6851 MOVE command. It returns
// ErrMoveUnsupported without touching the server if the connection
// never advertised the MOVE capability, so callers can unconditionally
// try this first and fall back to Copy, MarkDeleted and ExpungeUIDs
// otherwise.
func (s *Session) NativeMove(ctx context.Context, folder string, uids []uint32, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canMove {
		return ErrMoveUnsupported
	}
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.selectFolder(folder); err != nil {
		return err
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	if _, err := s.client.Move(set, destination).Wait(); err != nil {
		return fmt.Errorf("imapsession: move: %w", err)
	}
	return nil
}

// Copy duplicates the given UIDs into destination without removing
// them from the source folder. Used by the move engine's manual
// COPY+STORE+EXPUNGE path.
func (s *Session) Copy(ctx context.Context, folder string, uids []uint32, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.selectFolder(folder); err != nil {
		return err
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	if _, err := s.client.Copy(set, destination).Wait(); err != nil {
		return fmt.Errorf("imapsession: copy: %w", err)
	}
	return nil
}

// MarkDeleted sets \Deleted on the given UIDs in folder without
// expunging. Kept as its own round-trip (rather than folded into one
// call with the expunge) so the move engine can log it as a
// separately-completed step: if the expunge that follows fails, the
// engine knows the STORE committed and can compensate with
// UndeleteFlag instead of guessing.
func (s *Session) MarkDeleted(ctx context.Context, folder string, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.selectFolder(folder); err != nil {
		return err
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := s.client.Store(set, storeFlags, nil).Close(); err != nil {
		return fmt.Errorf("imapsession: store \\Deleted: %w", err)
	}
	return nil
}

// ExpungeUIDs expunges exactly the given UIDs (not every \Deleted
// message in the folder) via UID EXPUNGE. folder is re-selected
// defensively in case the session's idea of "selected" drifted.
func (s *Session) ExpungeUIDs(ctx context.Context, folder string, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.selectFolder(folder); err != nil {
		return err
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	if err := s.client.UIDExpunge(set).Close(); err != nil {
		return fmt.Errorf("imapsession: expunge: %w", err)
	}
	return nil
}

// UndeleteFlag clears \Deleted on the given UIDs, used by the move
// engine to compensate a failed expunge after a successful copy.
func (s *Session) UndeleteFlag(ctx context.Context, folder string, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.selectFolder(folder); err != nil {
		return err
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsDel,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	return s.client.Store(set, storeFlags, nil).Close()
}
