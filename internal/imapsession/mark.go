package imapsession

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// Mark adds or removes a single flag on a set of UIDs using a silent
// STORE (no untagged FETCH responses are requested back).
func (s *Session) Mark(ctx context.Context, action MarkAction) error {
	if len(action.UIDs) == 0 {
		return fmt.Errorf("imapsession: mark requires at least one UID")
	}
	imapFlag, ok := ValidFlag(action.Flag)
	if !ok {
		return fmt.Errorf("imapsession: unknown flag %q", action.Flag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.selectFolder(action.Folder); err != nil {
		return err
	}

	var set imap.UIDSet
	for _, uid := range action.UIDs {
		set.AddNum(imap.UID(uid))
	}

	op := imap.StoreFlagsDel
	if action.Add {
		op = imap.StoreFlagsAdd
	}
	storeFlags := &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.Flag(imapFlag)},
	}
	return s.client.Store(set, storeFlags, nil).Close()
}
