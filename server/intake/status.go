package intake

import (
	"context"

	"github.com/TK-IT/mailhole/db"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/metrics"
)

// MarkSpam moves a message to the spam state, stamping provenance and the
// transition time. Re-applying the transition just re-stamps; each call
// logs exactly once.
func (s *Service) MarkSpam(ctx context.Context, messageID int64, prov db.Provenance) error {
	return s.transition(ctx, messageID, db.StatusSpam, prov)
}

// MarkTrashed moves a message to the trashed state.
func (s *Service) MarkTrashed(ctx context.Context, messageID int64, prov db.Provenance) error {
	return s.transition(ctx, messageID, db.StatusTrashed, prov)
}

func (s *Service) transition(ctx context.Context, messageID int64, status string, prov db.Provenance) error {
	if err := s.store.SetMessageStatus(ctx, messageID, status, prov); err != nil {
		return err
	}
	metrics.StatusTransitionsTotal.WithLabelValues(status, provLabel(prov)).Inc()
	logger.Info("INTAKE: message status changed",
		"message_id", messageID, "status", status, "by", prov.String())
	return nil
}

func provLabel(prov db.Provenance) string {
	switch prov.Kind {
	case db.ProvenanceUser:
		return "user"
	case db.ProvenanceRule:
		return "rule"
	default:
		return "none"
	}
}
