package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/db"
)

type messageResponse struct {
	ID              int64      `json:"id"`
	MailboxID       int64      `json:"mailbox_id"`
	PeerID          int64      `json:"peer_id"`
	MailFrom        string     `json:"mail_from"`
	RcptTos         []string   `json:"rcpt_tos"`
	OrigMailFrom    string     `json:"orig_mail_from"`
	OrigRcptTos     []string   `json:"orig_rcpt_tos"`
	MessageID       *string    `json:"message_id,omitempty"`
	HeadersText     string     `json:"headers_text"`
	BodyText        *string    `json:"body_text,omitempty"`
	ContentHash     string     `json:"content_hash"`
	Status          string     `json:"status"`
	StatusSetBy     string     `json:"status_set_by"`
	StatusChangedAt *time.Time `json:"status_changed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toMessageResponse(m *db.Message) messageResponse {
	return messageResponse{
		ID:              m.ID,
		MailboxID:       m.MailboxID,
		PeerID:          m.PeerID,
		MailFrom:        m.MailFrom,
		RcptTos:         m.RcptTos,
		OrigMailFrom:    m.OrigMailFrom,
		OrigRcptTos:     m.OrigRcptTos,
		MessageID:       m.MessageID,
		HeadersText:     m.HeadersText,
		BodyText:        m.BodyText,
		ContentHash:     m.ContentHash,
		Status:          m.Status,
		StatusSetBy:     m.StatusProv.String(),
		StatusChangedAt: m.StatusChangedAt,
		CreatedAt:       m.CreatedAt,
	}
}

func messageID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

type ActorRequest struct {
	User string `json:"user"`
}

type ForwardRequest struct {
	Recipient string `json:"recipient"`
	User      string `json:"user"`
}

type SetDefaultActionRequest struct {
	DefaultAction string `json:"default_action"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	msg, err := s.database.GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, consts.ErrMessageNotFound) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		log.Printf("HTTP API: Error getting message %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}

	s.writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	ctx := r.Context()

	mbox, err := s.database.GetMailboxByDomain(ctx, domain)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			s.writeError(w, http.StatusNotFound, "Mailbox not found")
			return
		}
		log.Printf("HTTP API: Error getting mailbox %s: %v", domain, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get mailbox")
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = db.StatusInbox
	}

	messages, err := s.database.ListMailboxMessages(ctx, mbox.ID, status)
	if err != nil {
		log.Printf("HTTP API: Error listing messages for %s: %v", domain, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		resp = append(resp, toMessageResponse(msg))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mailbox":  domain,
		"status":   status,
		"messages": resp,
		"total":    len(resp),
	})
}

func (s *Server) handleSetDefaultAction(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	domain := mux.Vars(r)["domain"]

	var req SetDefaultActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.DefaultAction != db.MailboxActionHold && req.DefaultAction != db.MailboxActionForward {
		s.writeError(w, http.StatusBadRequest, "default_action must be 'hold' or 'forward'")
		return
	}

	ctx := r.Context()
	mbox, err := s.database.GetMailboxByDomain(ctx, domain)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxNotFound) {
			s.writeError(w, http.StatusNotFound, "Mailbox not found")
			return
		}
		log.Printf("HTTP API: Error getting mailbox %s: %v", domain, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get mailbox")
		return
	}

	if err := s.database.SetMailboxDefaultAction(ctx, mbox.ID, req.DefaultAction); err != nil {
		log.Printf("HTTP API: Error updating mailbox %s: %v", domain, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update mailbox")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"mailbox":        domain,
		"default_action": req.DefaultAction,
	})
}

func (s *Server) handleMarkSpam(w http.ResponseWriter, r *http.Request) {
	s.handleStatusChange(w, r, db.StatusSpam)
}

func (s *Server) handleMarkTrashed(w http.ResponseWriter, r *http.Request) {
	s.handleStatusChange(w, r, db.StatusTrashed)
}

func (s *Server) handleStatusChange(w http.ResponseWriter, r *http.Request, status string) {
	defer r.Body.Close()
	id, err := messageID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.User == "" {
		s.writeError(w, http.StatusBadRequest, "User is required")
		return
	}

	ctx := r.Context()
	prov := db.ByUser(req.User)
	if status == db.StatusSpam {
		err = s.service.MarkSpam(ctx, id, prov)
	} else {
		err = s.service.MarkTrashed(ctx, id, prov)
	}
	if err != nil {
		if errors.Is(err, consts.ErrMessageNotFound) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		log.Printf("HTTP API: Error marking message %d %s: %v", id, status, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to change message status")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": status,
		"by":     req.User,
	})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, err := messageID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	var req ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Recipient == "" || req.User == "" {
		s.writeError(w, http.StatusBadRequest, "Recipient and user are required")
		return
	}

	if err := s.service.ForwardMessage(r.Context(), id, req.Recipient, req.User); err != nil {
		if errors.Is(err, consts.ErrMessageNotFound) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		if errors.Is(err, consts.ErrSend) {
			s.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		log.Printf("HTTP API: Error forwarding message %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to forward message")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"recipient": req.Recipient,
		"message":   "Message forwarded successfully",
	})
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, err := messageID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.User == "" {
		s.writeError(w, http.StatusBadRequest, "User is required")
		return
	}

	rule, err := s.service.WhitelistSender(r.Context(), id, req.User)
	if err != nil {
		if errors.Is(err, consts.ErrMessageNotFound) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		log.Printf("HTTP API: Error whitelisting sender of message %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to whitelist sender")
		return
	}

	s.writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleListSent(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	sent, err := s.database.ListSentMessages(r.Context(), id)
	if err != nil {
		log.Printf("HTTP API: Error listing sent records for message %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list sent records")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message_id": id,
		"sent":       sent,
		"total":      len(sent),
	})
}
