package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/TK-IT/mailhole/consts"
)

type CreatePeerRequest struct {
	Slug    string   `json:"slug"`
	Readers []string `json:"readers,omitempty"`
}

type peerResponse struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	APIKey    string    `json:"api_key,omitempty"` // only returned at creation
	CreatedAt time.Time `json:"created_at"`
}

// handleCreatePeer provisions a new submitting peer. The generated submission
// key is returned exactly once in the response; it is not retrievable later.
func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreatePeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Slug == "" {
		s.writeError(w, http.StatusBadRequest, "Slug is required")
		return
	}

	apiKey, err := generatePeerKey()
	if err != nil {
		log.Printf("HTTP API: Error generating peer key: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to generate key")
		return
	}

	peer, err := s.database.CreatePeer(r.Context(), req.Slug, apiKey, req.Readers)
	if err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			s.writeError(w, http.StatusConflict, "Peer slug already exists")
			return
		}
		log.Printf("HTTP API: Error creating peer %s: %v", req.Slug, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create peer")
		return
	}

	s.writeJSON(w, http.StatusCreated, peerResponse{
		ID:        peer.ID,
		Slug:      peer.Slug,
		APIKey:    apiKey,
		CreatedAt: peer.CreatedAt,
	})
}

func generatePeerKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
