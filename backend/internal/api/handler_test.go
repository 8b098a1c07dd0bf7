package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexo/backend/internal/aggregate"
	"nexo/backend/internal/auth"
	"nexo/backend/internal/constellation"
	"nexo/backend/internal/extraction"
	"nexo/backend/internal/graph"
	"nexo/backend/internal/issues"
	"nexo/backend/internal/refresh"
	"nexo/backend/internal/resolver"
	apperrors "nexo/backend/pkg/errors"
)

var testSecret = []byte("api-test-secret")

type stubExtractor struct {
	result *extraction.Result
}

func (s *stubExtractor) Extract(ctx context.Context, messages []issues.Message) (*extraction.Result, error) {
	return s.result, nil
}

type stubRefresher struct {
	err error
}

func (s *stubRefresher) Run(ctx context.Context, userID string) (*refresh.Result, error) {
	return nil, s.err
}

type testServer struct {
	router *gin.Engine
	store  *graph.MemoryStore
}

func newTestServer(t *testing.T, result *extraction.Result) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := graph.NewMemoryStore()
	orch := refresh.NewOrchestrator(
		store,
		&stubExtractor{result: result},
		resolver.New(store, resolver.NewLexicalMatcher(0)),
		aggregate.NewEngine(store, 3),
		nil,
	)
	router := gin.New()
	NewHandler(store, orch, constellation.NewService(store), time.Minute).Register(router, testSecret)
	return &testServer{router: router, store: store}
}

func newServerWithRefresher(t *testing.T, refresher Refresher) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := graph.NewMemoryStore()
	router := gin.New()
	NewHandler(store, refresher, constellation.NewService(store), time.Minute).Register(router, testSecret)
	return router
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.SignToken(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, router *gin.Engine, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func createConversation(t *testing.T, router *gin.Engine, userID string) issues.Conversation {
	t.Helper()
	w := do(t, router, "POST", "/api/conversations", userID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conv issues.Conversation
	decode(t, w, &conv)
	return conv
}

func postMessage(t *testing.T, router *gin.Engine, userID, convID, role, content string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/messages", userID, map[string]string{
		"conversation_id": convID,
		"role":            role,
		"content":         content,
	})
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})

	w := do(t, srv.router, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})

	w := do(t, srv.router, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})

	for _, route := range []struct{ method, path string }{
		{"POST", "/api/conversations"},
		{"GET", "/api/conversations"},
		{"POST", "/api/messages"},
		{"GET", "/api/messages?conversationId=x"},
		{"POST", "/api/refresh"},
		{"GET", "/api/constellation"},
		{"GET", "/api/me/issues"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			w := do(t, srv.router, route.method, route.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"error":"Unauthorized"}`, w.Body.String())
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})

	w := do(t, srv.router, "GET", "/api/conversations", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))

	conv := createConversation(t, srv.router, "user-1")
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "user-1", conv.UserID)
	assert.True(t, conv.IsActive)

	w = do(t, srv.router, "GET", "/api/conversations", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active issues.Conversation
	decode(t, w, &active)
	assert.Equal(t, conv.ID, active.ID)

	require.Equal(t, http.StatusOK, postMessage(t, srv.router, "user-1", conv.ID, "user", "Rents are out of control").Code)
	require.Equal(t, http.StatusOK, postMessage(t, srv.router, "user-1", conv.ID, "assistant", "Are they, though?").Code)

	w = do(t, srv.router, "GET", "/api/messages?conversationId="+conv.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []issues.Message
	decode(t, w, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Rents are out of control", msgs[0].Content)
	assert.Equal(t, issues.RoleAssistant, msgs[1].Role)
	assert.False(t, msgs[0].IncludedInRefresh)
}

func TestAppendMessageValidation(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})
	conv := createConversation(t, srv.router, "user-1")

	tests := []struct {
		name    string
		convID  string
		role    string
		content string
		want    string
	}{
		{"blank conversation", "  ", "user", "hi", "Invalid conversation_id"},
		{"bad role", conv.ID, "system", "hi", "Invalid role"},
		{"empty content", conv.ID, "user", "", "Invalid content"},
		{"too long", conv.ID, "user", strings.Repeat("a", issues.MaxMessageLength+1), "Invalid content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postMessage(t, srv.router, "user-1", tt.convID, tt.role, tt.content)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, tt.want, body["error"])
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		w := do(t, srv.router, "POST", "/api/messages", "user-1", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("max length is accepted", func(t *testing.T) {
		w := postMessage(t, srv.router, "user-1", conv.ID, "user", strings.Repeat("é", issues.MaxMessageLength))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestForeignConversationIsNotFound(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})
	conv := createConversation(t, srv.router, "owner")

	w := postMessage(t, srv.router, "intruder", conv.ID, "user", "hello")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Conversation not found"}`, w.Body.String())

	w = do(t, srv.router, "GET", "/api/messages?conversationId="+conv.ID, "intruder", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = postMessage(t, srv.router, "owner", "missing-id", "user", "hello")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListMessagesRequiresConversationID(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})

	w := do(t, srv.router, "GET", "/api/messages", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"conversationId required"}`, w.Body.String())
}

func TestRefresh_NoMessages(t *testing.T) {
	srv := newTestServer(t, &extraction.Result{})

	w := do(t, srv.router, "POST", "/api/refresh", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"success": true,
		"issuesExtracted": 0,
		"connectionsExtracted": 0,
		"messagesProcessed": 0,
		"reflectionPrompt": "",
		"message": "No new messages to process"
	}`, w.Body.String())
}

func TestRefresh_EndToEnd(t *testing.T) {
	result := &extraction.Result{
		Issues: []extraction.ExtractedIssue{
			{Name: "Housing affordability", Stance: "Rents are too high", Intensity: 0.8, Confidence: issues.ConfidenceHigh},
			{Name: "Climate policy", Stance: "Carbon tax now", Intensity: 0.5, Confidence: issues.ConfidenceMedium},
		},
		Connections: []extraction.ExtractedConnection{
			{IssueA: "Housing affordability", IssueB: "Climate policy", Type: issues.ConnectionCausal},
		},
	}
	srv := newTestServer(t, result)
	conv := createConversation(t, srv.router, "user-1")
	require.Equal(t, http.StatusOK, postMessage(t, srv.router, "user-1", conv.ID, "user", "rent and carbon").Code)

	w := do(t, srv.router, "POST", "/api/refresh", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp refreshResponse
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.IssuesExtracted)
	assert.Equal(t, 1, resp.ConnectionsExtracted)
	assert.Equal(t, 1, resp.MessagesProcessed)
	assert.Empty(t, resp.Message)

	w = do(t, srv.router, "GET", "/api/constellation", "user-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap constellation.Snapshot
	decode(t, w, &snap)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, "Housing affordability", snap.Nodes[0].Name)
	assert.InDelta(t, 1.0, snap.Nodes[0].NormalizedEnergy, 1e-9)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, 1, snap.Links[0].UserCount)

	w = do(t, srv.router, "GET", "/api/me/issues", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mine constellation.Mine
	decode(t, w, &mine)
	assert.Len(t, mine.Issues, 2)
	assert.Len(t, mine.Connections, 1)
	assert.Equal(t, 1, mine.TotalRefreshes)
	assert.NotNil(t, mine.LastRefreshAt)

	w = do(t, srv.router, "POST", "/api/refresh", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "No new messages to process", resp.Message)
}

func TestRefresh_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "parse failure",
			err:      apperrors.NewParseFailure("no JSON object found", "I think...", nil),
			wantCode: http.StatusBadGateway,
			wantBody: `{"error":"Failed to parse analysis","retryable":true}`,
		},
		{
			name:     "auth failure",
			err:      apperrors.NewAuthFailure("missing user", nil),
			wantCode: http.StatusUnauthorized,
			wantBody: `{"error":"Unauthorized"}`,
		},
		{
			name:     "anything else",
			err:      errors.New("neo4j: connection refused at 10.0.0.5"),
			wantCode: http.StatusInternalServerError,
			wantBody: `{"error":"Internal server error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newServerWithRefresher(t, &stubRefresher{err: tt.err})
			w := do(t, router, "POST", "/api/refresh", "user-1", nil)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}
