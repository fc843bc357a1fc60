package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/server/intake"
)

// maxSubmitMemory bounds how much of a multipart submission is buffered in
// memory before spilling to temp files.
const maxSubmitMemory = 32 << 20

// handleSubmit accepts one message submission from an upstream relay as a
// multipart form. Address lists are accepted either as repeated form values
// or as a single JSON array; message bytes as a file part or a plain field.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if err := r.ParseMultipartForm(maxSubmitMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	rcptTos, err := parseAddressList(r.MultipartForm.Value["rcpt_tos"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid rcpt_tos")
		return
	}
	origRcptTos, err := parseAddressList(r.MultipartForm.Value["orig_rcpt_tos"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid orig_rcpt_tos")
		return
	}

	messageBytes, err := formBytes(r, "message_bytes")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message_bytes")
		return
	}
	origMessageBytes, err := formBytes(r, "orig_message_bytes")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid orig_message_bytes")
		return
	}

	req := &intake.SubmitRequest{
		Key:              r.FormValue("key"),
		MailFrom:         r.FormValue("mail_from"),
		RcptTos:          rcptTos,
		MessageBytes:     messageBytes,
		OrigMailFrom:     r.FormValue("orig_mail_from"),
		OrigRcptTos:      origRcptTos,
		OrigMessageBytes: origMessageBytes,
	}

	if err := s.service.Submit(r.Context(), req); err != nil {
		switch {
		case errors.Is(err, consts.ErrAuthentication):
			s.writeError(w, http.StatusForbidden, "Invalid submission key")
		case errors.Is(err, consts.ErrInvalidRecipientSet),
			errors.Is(err, consts.ErrMalformedMessage):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("HTTP API: Submission failed: %v", err)
			s.writeError(w, http.StatusInternalServerError, "Submission failed")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// parseAddressList accepts either repeated form values or one JSON array.
func parseAddressList(values []string) ([]string, error) {
	if len(values) == 1 && strings.HasPrefix(strings.TrimSpace(values[0]), "[") {
		var list []string
		if err := json.Unmarshal([]byte(values[0]), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	return values, nil
}

// formBytes reads a field delivered either as a file part or a plain value.
func formBytes(r *http.Request, name string) ([]byte, error) {
	file, _, err := r.FormFile(name)
	if err == nil {
		defer file.Close()
		return io.ReadAll(file)
	}
	if err != http.ErrMissingFile {
		return nil, err
	}
	return []byte(r.FormValue(name)), nil
}
