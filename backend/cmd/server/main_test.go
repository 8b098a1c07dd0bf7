package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexo/backend/internal/adapter"
	"nexo/backend/internal/auth"
	"nexo/backend/internal/graph"
	"nexo/backend/internal/resolver"
	"nexo/backend/pkg/config"
)

type stubGenerator struct {
	content string
}

func (s *stubGenerator) Generate(ctx context.Context, systemPrompt, userMsg string, maxTokens int) (*adapter.Response, error) {
	return &adapter.Response{Content: s.content}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		StoreBackend:        config.StoreMemory,
		MatchStrategy:       config.MatchLexical,
		LexicalThreshold:    0.8,
		AggregateMaxRetries: 3,
		ReflectionEnabled:   false,
		RefreshTimeout:      time.Minute,
		JWTSecret:           "main-test-secret",
	}
}

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := buildRouter(testConfig(), graph.NewMemoryStore(), &stubGenerator{}, zap.NewNop())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := buildRouter(testConfig(), graph.NewMemoryStore(), &stubGenerator{}, zap.NewNop())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("OPTIONS", "/api/refresh", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRefreshThroughRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	st := graph.NewMemoryStore()
	llm := &stubGenerator{content: `{"issues":[{"name":"Housing","stance":"Build more","intensity":0.7,"confidence":"high","quotes":[]}],"connections":[]}`}
	router := buildRouter(cfg, st, llm, zap.NewNop())

	tok, err := auth.SignToken("user-1", []byte(cfg.JWTSecret), time.Hour)
	require.NoError(t, err)

	send := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		router.ServeHTTP(w, req)
		return w
	}

	w := send("POST", "/api/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))

	w = send("POST", "/api/messages", `{"conversation_id":"`+conv.ID+`","role":"user","content":"We need more homes"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = send("POST", "/api/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(1), resp["issuesExtracted"])
	assert.Equal(t, float64(1), resp["messagesProcessed"])
}

func TestNewMatcher(t *testing.T) {
	cfg := testConfig()
	assert.IsType(t, &resolver.LexicalMatcher{}, newMatcher(cfg, &stubGenerator{}))

	cfg.MatchStrategy = config.MatchSemantic
	assert.IsType(t, &resolver.SemanticMatcher{}, newMatcher(cfg, &stubGenerator{}))
}

func TestOpenStore_Memory(t *testing.T) {
	st, err := openStore(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	assert.IsType(t, &graph.MemoryStore{}, st)
	assert.NoError(t, st.Ping(context.Background()))
}
