package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/TK-IT/mailhole/consts"
)

// ParsedMessage is the two-phase ingestion result: everything derived from
// the raw bytes is computed once at creation time and stored with the
// message, never recomputed.
type ParsedMessage struct {
	HeadersText string   // raw header block, decoded leniently
	HeaderLines []string // rendered "Name: value" lines in original order
	Subject     string   // decoded Subject header, empty if absent
	From        string   // decoded From header, empty if absent
	MessageID   *string  // Message-ID without angle brackets, nil if absent
	BodyText    *string  // first text/* part as plain text, nil if none
}

// ParseMessage parses raw RFC 5322 bytes. The header/body boundary is the
// first blank line (CRLF CRLF); if it is absent and the bytes do not end in
// CRLF the message is rejected as malformed. Header bytes are always decoded
// with a replace-invalid-bytes policy, so hostile input degrades instead of
// failing. The body is the first text/* MIME part found depth-first, decoded
// using its declared charset (default utf-8) with replacement; HTML parts
// are stripped to plain text. A message without a text part has no body,
// which is not an error.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	boundary := bytes.Index(raw, []byte("\r\n\r\n"))
	if boundary < 0 && !bytes.HasSuffix(raw, []byte("\r\n")) {
		return nil, fmt.Errorf("%w: no header/body boundary", consts.ErrMalformedMessage)
	}

	var headerBlock []byte
	input := raw
	if boundary >= 0 {
		headerBlock = raw[:boundary+2]
	} else {
		// Headers only; terminate the block so the MIME reader sees an
		// empty body.
		headerBlock = raw
		input = append(append([]byte{}, raw...), '\r', '\n')
	}

	parsed := &ParsedMessage{
		HeadersText: DecodeLenient(headerBlock),
	}

	entity, err := message.Read(bytes.NewReader(input))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	parsed.HeaderLines = renderHeaderLines(entity.Header)

	mailHeader := mail.Header{Header: entity.Header}
	if subject, err := mailHeader.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = entity.Header.Get("Subject")
	}
	if from, err := entity.Header.Text("From"); err == nil {
		parsed.From = from
	} else {
		parsed.From = entity.Header.Get("From")
	}
	if msgID, err := mailHeader.MessageID(); err == nil && msgID != "" {
		parsed.MessageID = &msgID
	} else if rawID := strings.Trim(strings.TrimSpace(entity.Header.Get("Message-Id")), "<>"); rawID != "" {
		parsed.MessageID = &rawID
	}

	parsed.BodyText = extractTextBody(entity)

	return parsed, nil
}

// renderHeaderLines returns "Name: value" lines in original message order,
// with raw (undecoded) values the way the relay delivered them.
func renderHeaderLines(header message.Header) []string {
	var lines []string
	fields := header.Fields()
	for fields.Next() {
		lines = append(lines, fields.Key()+": "+fields.Value())
	}
	return lines
}

// extractTextBody walks the MIME structure depth-first and returns the first
// text/* part as plain text, or nil if the message has none.
func extractTextBody(entity *message.Entity) *string {
	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain" // unparsable content type, treat as text
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return nil
			}
			if body := extractTextBody(part); body != nil {
				return body
			}
		}
	}

	if !strings.HasPrefix(mediaType, "text/") {
		return nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil && len(content) == 0 {
		return nil
	}

	body := DecodeLenient(content)
	if mediaType == "text/html" {
		body = html2text.HTML2Text(body)
	}
	return &body
}

// RewriteFromHeader replaces the From header line in the raw message bytes,
// leaving everything else untouched. Folded continuation lines of the
// original header are removed.
func RewriteFromHeader(raw []byte, newFrom string) ([]byte, error) {
	boundary := bytes.Index(raw, []byte("\r\n\r\n"))
	headerEnd := len(raw)
	if boundary >= 0 {
		headerEnd = boundary + 2
	}

	lines := bytes.SplitAfter(raw[:headerEnd], []byte("\r\n"))
	var out bytes.Buffer
	replaced := false
	skipFolded := false
	for _, line := range lines {
		if skipFolded && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			continue
		}
		skipFolded = false
		if !replaced && len(line) >= 5 && strings.EqualFold(string(line[:5]), "From:") {
			out.WriteString("From: " + newFrom + "\r\n")
			replaced = true
			skipFolded = true
			continue
		}
		out.Write(line)
	}
	if !replaced {
		return nil, fmt.Errorf("message has no From header")
	}
	out.Write(raw[headerEnd:])
	return out.Bytes(), nil
}
