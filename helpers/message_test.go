package helpers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TK-IT/mailhole/consts"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseMessageSimple(t *testing.T) {
	raw := crlf(
		"From: Alice <alice@example.com>",
		"To: bob@example.net",
		"Subject: Hello there",
		"Message-Id: <abc123@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hi Bob.",
		"",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, "Hello there", parsed.Subject)
	assert.Contains(t, parsed.From, "alice@example.com")
	require.NotNil(t, parsed.MessageID)
	assert.Equal(t, "abc123@example.com", *parsed.MessageID)
	require.NotNil(t, parsed.BodyText)
	assert.Contains(t, *parsed.BodyText, "Hi Bob.")
	assert.Contains(t, parsed.HeadersText, "Subject: Hello there")
}

func TestParseMessageHeaderLinesKeepOrder(t *testing.T) {
	raw := crlf(
		"Received: from relay.example.net",
		"From: alice@example.com",
		"Subject: ordering",
		"",
		"body",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)

	require.Len(t, parsed.HeaderLines, 3)
	assert.True(t, strings.HasPrefix(parsed.HeaderLines[0], "Received:"))
	assert.True(t, strings.HasPrefix(parsed.HeaderLines[1], "From:"))
	assert.True(t, strings.HasPrefix(parsed.HeaderLines[2], "Subject:"))
}

func TestParseMessageHeadersOnly(t *testing.T) {
	raw := crlf(
		"From: alice@example.com",
		"Subject: no body at all",
		"",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "no body at all", parsed.Subject)
}

func TestParseMessageMalformed(t *testing.T) {
	// No blank line and no trailing CRLF.
	_, err := ParseMessage([]byte("From: alice@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)
}

func TestParseMessageEncodedSubject(t *testing.T) {
	raw := crlf(
		"From: alice@example.com",
		"Subject: =?utf-8?q?Gr=C3=B8d_til_alle?=",
		"",
		"body",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "Grød til alle", parsed.Subject)
}

func TestParseMessageMissingOptionalHeaders(t *testing.T) {
	raw := crlf(
		"To: bob@example.net",
		"",
		"body",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "", parsed.Subject)
	assert.Equal(t, "", parsed.From)
	assert.Nil(t, parsed.MessageID)
}

func TestParseMessageMultipartPicksFirstTextPart(t *testing.T) {
	raw := crlf(
		"From: alice@example.com",
		"Subject: mixed",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: application/octet-stream",
		"",
		"binary junk",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"the real text",
		"--XYZ--",
		"",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, parsed.BodyText)
	assert.Contains(t, *parsed.BodyText, "the real text")
}

func TestParseMessageHTMLBodyStripped(t *testing.T) {
	raw := crlf(
		"From: alice@example.com",
		"Subject: html",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>Hello <b>world</b></p></body></html>",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, parsed.BodyText)
	assert.Contains(t, *parsed.BodyText, "Hello world")
	assert.NotContains(t, *parsed.BodyText, "<b>")
}

func TestParseMessageNoTextPart(t *testing.T) {
	raw := crlf(
		"From: alice@example.com",
		"Subject: attachment only",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: application/pdf",
		"",
		"%PDF-1.4",
		"--XYZ--",
		"",
	)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Nil(t, parsed.BodyText)
}

func TestParseMessageInvalidUTF8InHeaders(t *testing.T) {
	raw := append([]byte("From: alice@example.com\r\nSubject: caf\xff\r\n\r\n"), []byte("body")...)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Contains(t, parsed.HeadersText, "From: alice@example.com")
}

func TestRewriteFromHeader(t *testing.T) {
	raw := crlf(
		"From: Alice <alice@example.com>",
		"Subject: hello",
		"",
		"body line",
	)

	out, err := RewriteFromHeader(raw, "gateway@hold.example.org")
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "From: gateway@hold.example.org\r\n")
	assert.NotContains(t, s, "alice@example.com")
	assert.Contains(t, s, "Subject: hello")
	assert.True(t, strings.HasSuffix(s, "body line"))
}

func TestRewriteFromHeaderFoldedContinuation(t *testing.T) {
	raw := crlf(
		"From: Alice Longname",
		" <alice@example.com>",
		"Subject: hello",
		"",
		"body",
	)

	out, err := RewriteFromHeader(raw, "gateway@hold.example.org")
	require.NoError(t, err)

	s := string(out)
	assert.NotContains(t, s, "alice@example.com")
	assert.Contains(t, s, "From: gateway@hold.example.org\r\n")
	assert.Contains(t, s, "Subject: hello")
}

func TestRewriteFromHeaderMissing(t *testing.T) {
	raw := crlf(
		"Subject: hello",
		"",
		"body",
	)
	_, err := RewriteFromHeader(raw, "gateway@hold.example.org")
	require.Error(t, err)
}
