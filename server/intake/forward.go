package intake

import (
	"context"

	"github.com/TK-IT/mailhole/db"
)

// ForwardMessage forwards an existing message to an explicit recipient on
// behalf of a named user. Human-initiated forwards skip the duplicate
// check (that only guards automatic forwards) but still record a
// SentMessage per recipient and trash the message once it is on its way.
func (s *Service) ForwardMessage(ctx context.Context, messageID int64, recipient, user string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	mbox, err := s.store.GetMailboxByID(ctx, msg.MailboxID)
	if err != nil {
		return err
	}
	peer, err := s.store.GetPeerByID(ctx, msg.PeerID)
	if err != nil {
		return err
	}

	delivered, sendErr := s.forwarder.SendAndRecord(ctx, msg, mbox.Domain, peer.Slug, &user, []string{recipient})
	if delivered > 0 {
		if err := s.MarkTrashed(ctx, msg.ID, db.ByUser(user)); err != nil {
			return err
		}
	}
	return sendErr
}
