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
	"github.com/TK-IT/mailhole/filter"
)

type CreateRuleRequest struct {
	Order     int    `json:"order"`
	Peer      string `json:"peer,omitempty"` // peer slug; empty = global
	Kind      string `json:"kind"`
	Pattern   string `json:"pattern"`
	Examples  string `json:"examples"`
	Action    string `json:"action"`
	CreatedBy string `json:"created_by"`
}

type ruleResponse struct {
	ID        int64     `json:"id"`
	Order     int       `json:"order"`
	PeerID    *int64    `json:"peer_id,omitempty"`
	Kind      string    `json:"kind"`
	Pattern   string    `json:"pattern"`
	Examples  string    `json:"examples"`
	Action    string    `json:"action"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func toRuleResponse(r *filter.Rule) ruleResponse {
	resp := ruleResponse{
		ID:        r.ID,
		Order:     r.Order,
		Kind:      string(r.Kind),
		Pattern:   r.Pattern,
		Examples:  r.Examples,
		Action:    string(r.Action),
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	}
	if peerID, ok := r.Scope.PeerID(); ok {
		resp.PeerID = &peerID
	}
	return resp
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Pattern == "" {
		s.writeError(w, http.StatusBadRequest, "Pattern is required")
		return
	}

	ctx := r.Context()

	scope := filter.Global()
	if req.Peer != "" {
		peer, err := s.database.GetPeerBySlug(ctx, req.Peer)
		if err != nil {
			if errors.Is(err, consts.ErrPeerNotFound) {
				s.writeError(w, http.StatusNotFound, "Peer not found")
				return
			}
			log.Printf("HTTP API: Error resolving peer %s: %v", req.Peer, err)
			s.writeError(w, http.StatusInternalServerError, "Failed to resolve peer")
			return
		}
		scope = filter.ForPeer(peer.ID)
	}

	rule := &filter.Rule{
		Order:     req.Order,
		Scope:     scope,
		Kind:      filter.Kind(req.Kind),
		Pattern:   req.Pattern,
		Examples:  req.Examples,
		Action:    filter.Action(req.Action),
		CreatedBy: req.CreatedBy,
	}

	if err := s.service.CreateRule(ctx, rule); err != nil {
		if errors.Is(err, consts.ErrRuleValidation) {
			// The message enumerates every disagreeing example line
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("HTTP API: Error creating rule: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	s.writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rules []*filter.Rule
	var err error
	if slug := r.URL.Query().Get("peer"); slug != "" {
		peer, peerErr := s.database.GetPeerBySlug(ctx, slug)
		if peerErr != nil {
			if errors.Is(peerErr, consts.ErrPeerNotFound) {
				s.writeError(w, http.StatusNotFound, "Peer not found")
				return
			}
			log.Printf("HTTP API: Error resolving peer %s: %v", slug, peerErr)
			s.writeError(w, http.StatusInternalServerError, "Failed to resolve peer")
			return
		}
		rules, err = s.database.ListFilterRulesForPeer(ctx, peer.ID)
	} else {
		rules, err = s.service.ListRules(ctx)
	}
	if err != nil {
		log.Printf("HTTP API: Error listing rules: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, toRuleResponse(rule))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": resp,
		"total": len(resp),
	})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ruleID, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}

	if err := s.service.DeleteRule(r.Context(), ruleID); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		log.Printf("HTTP API: Error deleting rule %d: %v", ruleID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      ruleID,
		"message": "Rule deleted successfully",
	})
}
