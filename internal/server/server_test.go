package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/testutil"
)

func newTestServer(secret string) *Server {
	handlers := NewHandlers(HandlersDeps{
		Logger:  testutil.TestLogger(),
		Version: "test",
		MaxBody: 1 << 20,
	})
	return New(ServerConfig{Port: 0, WebhookSecret: secret}, handlers, testutil.TestLogger())
}

func doRequest(srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestVersionEndpoint(t *testing.T) {
	rec := doRequest(newTestServer(""), http.MethodGet, "/version", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Meta.RequestID)
	assert.False(t, resp.Meta.Timestamp.IsZero())
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	srv := newTestServer("")

	rec := doRequest(srv, http.MethodGet, "/version", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = doRequest(srv, http.MethodGet, "/version", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer("topsecret")

	rec := doRequest(srv, http.MethodPost, "/v1/webhooks", `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Error.Code)

	rec = doRequest(srv, http.MethodPost, "/v1/webhooks", `{}`, map[string]string{
		"X-Renraku-Signature": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer("topsecret")

	rec := doRequest(srv, http.MethodPost, "/v1/webhooks", `{"type":`, map[string]string{
		"X-Renraku-Signature": "topsecret",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Error.Code)
}

func TestWebhookRejectsUnknownPayloadType(t *testing.T) {
	srv := newTestServer("")

	rec := doRequest(srv, http.MethodPost, "/v1/webhooks", `{"type": "invoice.paid", "event": {}}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.ErrCodeUnprocessable, decodeError(t, rec).Error.Code)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	handlers := NewHandlers(HandlersDeps{
		Logger:  testutil.TestLogger(),
		Version: "test",
		MaxBody: 64,
	})
	srv := New(ServerConfig{Port: 0}, handlers, testutil.TestLogger())

	big := `{"type": "human_contact.completed", "event": {"status": {"response": "` +
		strings.Repeat("x", 256) + `"}}}`
	rec := doRequest(srv, http.MethodPost, "/v1/webhooks", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateThreadRejectsUnknownFields(t *testing.T) {
	srv := newTestServer("")

	rec := doRequest(srv, http.MethodPost, "/v1/threads", `{"bogus": true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateThreadRejectsEmptyEventType(t *testing.T) {
	srv := newTestServer("")

	rec := doRequest(srv, http.MethodPost, "/v1/threads", `{"event": {"type": "", "data": "x"}}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, "event.type")
}

func TestRecoveryMiddlewareTurnsPanicInto500(t *testing.T) {
	logger := testutil.TestLogger()
	h := requestIDMiddleware(recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var e model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, model.ErrCodeInternalError, e.Error.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	rec := doRequest(newTestServer(""), http.MethodGet, "/v2/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
