package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TK-IT/mailhole/config"
	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/db"
	"github.com/TK-IT/mailhole/filter"
	"github.com/TK-IT/mailhole/policy"
	"github.com/TK-IT/mailhole/server/intake"
)

// --- Mocks & Test Helpers ---

type fakeStore struct {
	GetPeerByKeyFunc     func(ctx context.Context, key string) (*db.Peer, error)
	ListFilterRulesFunc  func(ctx context.Context) ([]*filter.Rule, error)
	InsertFilterRuleFunc func(ctx context.Context, rule *filter.Rule) error
	DeleteFilterRuleFunc func(ctx context.Context, ruleID int64) error
}

func (f *fakeStore) GetPeerByKey(ctx context.Context, key string) (*db.Peer, error) {
	if f.GetPeerByKeyFunc != nil {
		return f.GetPeerByKeyFunc(ctx, key)
	}
	if key != "good-key" {
		return nil, consts.ErrAuthentication
	}
	return &db.Peer{ID: 1, Slug: "relay"}, nil
}

func (f *fakeStore) GetPeerByID(ctx context.Context, id int64) (*db.Peer, error) {
	return &db.Peer{ID: id, Slug: "relay"}, nil
}

func (f *fakeStore) GetOrCreateMailbox(ctx context.Context, domain string, peer *db.Peer) (*db.Mailbox, error) {
	return &db.Mailbox{ID: 1, Domain: domain, DefaultAction: db.MailboxActionHold}, nil
}

func (f *fakeStore) GetMailboxByID(ctx context.Context, id int64) (*db.Mailbox, error) {
	return &db.Mailbox{ID: id, Domain: "hold.example.org", DefaultAction: db.MailboxActionHold}, nil
}

func (f *fakeStore) GetMailboxReaders(ctx context.Context, mailboxID int64) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg *db.Message) error {
	msg.ID = 1
	return nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id int64) (*db.Message, error) {
	return nil, consts.ErrMessageNotFound
}

func (f *fakeStore) SetMessageStatus(ctx context.Context, messageID int64, status string, prov db.Provenance) error {
	return nil
}

func (f *fakeStore) ExistsEarlierForwarded(ctx context.Context, msg *db.Message) (bool, error) {
	return false, nil
}

func (f *fakeStore) ListFilterRules(ctx context.Context) ([]*filter.Rule, error) {
	if f.ListFilterRulesFunc != nil {
		return f.ListFilterRulesFunc(ctx)
	}
	return nil, nil
}

func (f *fakeStore) InsertFilterRule(ctx context.Context, rule *filter.Rule) error {
	if f.InsertFilterRuleFunc != nil {
		return f.InsertFilterRuleFunc(ctx, rule)
	}
	rule.ID = 1
	return nil
}

func (f *fakeStore) DeleteFilterRule(ctx context.Context, ruleID int64) error {
	if f.DeleteFilterRuleFunc != nil {
		return f.DeleteFilterRuleFunc(ctx, ruleID)
	}
	return nil
}

type fakeSpool struct{}

func (f *fakeSpool) Store(key string, data []byte) (string, error) { return "hash", nil }

type fakeForwarder struct{}

func (f *fakeForwarder) SendAndRecord(ctx context.Context, msg *db.Message, mailboxDomain, peerSlug string, actor *string, recipients []string) (int, error) {
	return len(recipients), nil
}

func newTestServer(t *testing.T, store *fakeStore, options ServerOptions) http.Handler {
	t.Helper()
	if options.APIKey == "" {
		options.APIKey = "management-key"
	}
	service := intake.NewService(store, &fakeSpool{}, &fakeForwarder{}, policy.NewEngine(config.PolicyConfig{}))
	server, err := New(nil, service, options)
	require.NoError(t, err)
	return server.setupRoutes()
}

type submitForm struct {
	key          string
	mailFrom     string
	rcptTos      []string
	messageBytes string
	origMailFrom string
	origRcptTos  []string
}

func defaultSubmitForm() submitForm {
	return submitForm{
		key:          "good-key",
		mailFrom:     "relay@relay.example",
		rcptTos:      []string{"hold@gateway.example"},
		messageBytes: "From: sender@outside.example\r\nSubject: hi\r\n\r\nbody\r\n",
		origMailFrom: "sender@outside.example",
		origRcptTos:  []string{"board@hold.example.org"},
	}
}

func submitRequest(t *testing.T, form submitForm) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("key", form.key))
	require.NoError(t, w.WriteField("mail_from", form.mailFrom))
	for _, rcpt := range form.rcptTos {
		require.NoError(t, w.WriteField("rcpt_tos", rcpt))
	}
	for _, rcpt := range form.origRcptTos {
		require.NoError(t, w.WriteField("orig_rcpt_tos", rcpt))
	}
	require.NoError(t, w.WriteField("orig_mail_from", form.origMailFrom))
	fw, err := w.CreateFormFile("message_bytes", "message.eml")
	require.NoError(t, err)
	_, err = fw.Write([]byte(form.messageBytes))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/submit", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// --- Tests ---

func TestSubmitAccepted(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest(t, defaultSubmitForm()))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
}

func TestSubmitBadKey(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{})

	form := defaultSubmitForm()
	form.key = "wrong-key"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest(t, form))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitInvalidRecipients(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{})

	form := defaultSubmitForm()
	form.origRcptTos = []string{"a@x.example,b@x.example"}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest(t, form))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitMalformedMessage(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{})

	form := defaultSubmitForm()
	form.messageBytes = "not a mail message"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest(t, form))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsNonMultipart(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{})

	req := httptest.NewRequest("POST", "/submit", strings.NewReader("key=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJSONAddressList(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("key", "good-key"))
	require.NoError(t, w.WriteField("mail_from", "relay@relay.example"))
	require.NoError(t, w.WriteField("rcpt_tos", `["hold@gateway.example"]`))
	require.NoError(t, w.WriteField("orig_rcpt_tos", `["a@hold.example.org", "b@hold.example.org"]`))
	require.NoError(t, w.WriteField("orig_mail_from", "sender@outside.example"))
	require.NoError(t, w.WriteField("message_bytes", "From: x@y.example\r\nSubject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/submit", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{APIKey: "secret-key"})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer wrong", http.StatusForbidden},
		{"correct key", "Bearer secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/rules", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{
		AllowedHosts: []string{"10.0.0.1", "192.168.0.0/24"},
	})

	tests := []struct {
		name   string
		remote string
		status int
	}{
		{"exact match", "10.0.0.1:50000", http.StatusOK},
		{"cidr match", "192.168.0.42:50000", http.StatusOK},
		{"denied", "172.16.0.1:50000", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := submitRequest(t, defaultSubmitForm())
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCreateRuleEndpoint(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{APIKey: "secret-key"})

	body := `{"order": 10, "kind": "subject", "pattern": "casino",
		"examples": "Free casino chips\n!Board meeting\n",
		"action": "spam", "created_by": "alice"}`
	req := httptest.NewRequest("POST", "/api/v1/rules", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp ruleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.ID)
	assert.Equal(t, "spam", resp.Action)
	assert.Nil(t, resp.PeerID)
}

func TestCreateRuleReportsDisagreeingExamples(t *testing.T) {
	handler := newTestServer(t, &fakeStore{}, ServerOptions{APIKey: "secret-key"})

	body := `{"order": 10, "kind": "subject", "pattern": "casino",
		"examples": "no match one\nno match two\n", "action": "spam"}`
	req := httptest.NewRequest("POST", "/api/v1/rules", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no match one")
	assert.Contains(t, rec.Body.String(), "no match two")
}

func TestDeleteRuleNotFound(t *testing.T) {
	store := &fakeStore{
		DeleteFilterRuleFunc: func(ctx context.Context, ruleID int64) error {
			return consts.ErrRuleNotFound
		},
	}
	handler := newTestServer(t, store, ServerOptions{APIKey: "secret-key"})

	req := httptest.NewRequest("DELETE", "/api/v1/rules/99", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(nil, nil, ServerOptions{})
	assert.Error(t, err)
}

func TestNewRequiresTLSFiles(t *testing.T) {
	_, err := New(nil, nil, ServerOptions{APIKey: "k", TLS: true})
	assert.Error(t, err)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	assert.Equal(t, "10.0.0.9", getClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.8")
	assert.Equal(t, "10.0.0.8", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.6")
	assert.Equal(t, "10.0.0.7", getClientIP(req))
}
