package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"inference-gateway/internal/database"
	"inference-gateway/internal/discovery"
	"inference-gateway/internal/middleware"
	"inference-gateway/internal/recorder"
	"inference-gateway/internal/relay"
	"inference-gateway/internal/routing"
	"inference-gateway/internal/shared"
	"inference-gateway/internal/upstream"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUpstream struct {
	*httptest.Server
	mu       sync.Mutex
	models   []string
	lastBody []byte
	chat     http.HandlerFunc
}

func newFakeUpstream(t *testing.T, models ...string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{models: models}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastBody = body
		chat := f.chat
		f.mu.Unlock()

		switch r.URL.Path {
		case "/models":
			data := make([]map[string]string, 0, len(f.models))
			for _, id := range f.models {
				data = append(data, map[string]string{"id": id})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
		case "/chat/completions":
			if chat != nil {
				chat(w, r)
				return
			}
			_, _ = io.WriteString(w, `{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi there"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
		case "/embeddings":
			_, _ = io.WriteString(w, `{"object":"list","data":[{"embedding":[0.1,0.2]}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) LastBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakeUpstream) SetChat(h http.HandlerFunc) {
	f.mu.Lock()
	f.chat = h
	f.mu.Unlock()
}

type memoryStore struct {
	mu        sync.Mutex
	exchanges []database.Exchange
	artifacts []database.StreamArtifact
}

func (m *memoryStore) RecordExchange(_ context.Context, ex database.Exchange) (database.ExchangeRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
	return database.ExchangeRef{ConversationID: ex.ConversationID, UserMessageID: ex.UserMessageID, AssistantMessageID: ex.AssistantMessageID}, nil
}

func (m *memoryStore) RecordStreamArtifact(_ context.Context, art database.StreamArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, art)
	return nil
}

type testGateway struct {
	e        *echo.Echo
	handler  *InferenceHandler
	store    *memoryStore
	recorder *recorder.Recorder
}

type gatewayOptions struct {
	routes      []upstream.Route
	allowed     []string
	defaultName string
	readTimeout time.Duration
	relay       relay.Config
}

func newTestGateway(t *testing.T, opts gatewayOptions) *testGateway {
	t.Helper()
	log := zap.NewNop().Sugar()
	clientOpts := upstream.DefaultClientOptions()
	if opts.readTimeout > 0 {
		clientOpts.ReadTimeout = opts.readTimeout
	}
	if opts.defaultName == "" {
		opts.defaultName = "m1"
	}
	if opts.relay.TotalTimeout == 0 {
		opts.relay = relay.Config{HeartbeatInterval: time.Second, TotalTimeout: 5 * time.Second}
	}

	reg := upstream.NewRegistry(opts.routes, clientOpts, log)
	catalog := discovery.NewAggregator(reg, log)
	store := &memoryStore{}
	rec := recorder.New(store, log)
	h := NewInferenceHandler(Deps{
		Registry: reg,
		Catalog:  catalog,
		Resolver: routing.NewResolver(routing.Config{DefaultModelName: opts.defaultName, AllowedModels: opts.allowed}, catalog, reg),
		Relay:    relay.New(opts.relay),
		Recorder: rec,
	}, Config{TotalTimeout: 5 * time.Second}, log)

	e := echo.New()
	api := e.Group("/api", middleware.NewTrackMiddleware(log))
	api.GET("/health", h.Health)
	api.GET("/models", h.Models)
	api.POST("/chat", h.Chat)
	api.POST("/chat/stream", h.ChatStream)
	api.POST("/embeddings", h.Embeddings)
	api.GET("/messages/:id/raw", h.MessageRaw)
	return &testGateway{e: e, handler: h, store: store, recorder: rec}
}

func (g *testGateway) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	g.e.ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.recorder.Shutdown(ctx))
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) any {
	t.Helper()
	var body shared.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestChatPassthroughAndPersist(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "a", BaseURL: up.URL}}})

	rec := g.do(http.MethodPost, "/api/chat", `{"message":"hello","system":"be nice","temperature":0.2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"hi there"`)
	conversationID := rec.Header().Get(shared.ConversationIDHdr)
	assert.Len(t, conversationID, shared.IDLength)

	var sent shared.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(up.LastBody(), &sent))
	assert.Equal(t, "m1", sent.Model)
	assert.False(t, sent.Stream)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, "hello", sent.Messages[1].Content)
	assert.Nil(t, sent.MaxTokens)

	g.drain(t)
	require.Len(t, g.store.exchanges, 1)
	ex := g.store.exchanges[0]
	assert.Equal(t, conversationID, ex.ConversationID)
	assert.Equal(t, "hi there", ex.AssistantText)
	assert.Equal(t, "a", ex.RouteKey)
	assert.Equal(t, "cmpl-1", ex.UpstreamID)
	require.NotNil(t, ex.Usage)
	assert.Equal(t, 5, ex.Usage.TotalTokens)
}

func TestChatValidation(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "a", BaseURL: up.URL}}})

	assert.Equal(t, http.StatusUnprocessableEntity, g.do(http.MethodPost, "/api/chat", `{}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, g.do(http.MethodPost, "/api/chat", `{"message":"x","temperature":3}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, g.do(http.MethodPost, "/api/chat", `{"message":"x","max_tokens":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, g.do(http.MethodPost, "/api/chat", `not json`).Code)
}

func TestChatRoutingErrors(t *testing.T) {
	a := newFakeUpstream(t, "m1")
	b := newFakeUpstream(t, "m1")
	g := newTestGateway(t, gatewayOptions{
		routes:  []upstream.Route{{Key: "a", BaseURL: a.URL}, {Key: "b", BaseURL: b.URL}},
		allowed: []string{"m1", "m2"},
	})

	rec := g.do(http.MethodPost, "/api/chat", `{"message":"x","model":"m1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	d, ok := detail(t, rec).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m1", d["requested_model"])
	assert.Len(t, d["matches"], 2)

	rec = g.do(http.MethodPost, "/api/chat", `{"message":"x","model":"m3"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = g.do(http.MethodPost, "/api/chat", `{"message":"x","modelKey":"zzz"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	d = detail(t, rec).(map[string]any)
	assert.Equal(t, "zzz", d["provided_modelKey"])

	// Pure default path falls back to the first route
	rec = g.do(http.MethodPost, "/api/chat", `{"message":"x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatUpstreamErrorMapping(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	g := newTestGateway(t, gatewayOptions{
		routes:      []upstream.Route{{Key: "a", BaseURL: up.URL}},
		readTimeout: 100 * time.Millisecond,
	})

	up.SetChat(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, "bad max_tokens")
	})
	rec := g.do(http.MethodPost, "/api/chat", `{"message":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "bad max_tokens", detail(t, rec))

	up.SetChat(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	rec = g.do(http.MethodPost, "/api/chat", `{"message":"x"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Upstream error: 503", detail(t, rec))

	up.SetChat(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
	})
	rec = g.do(http.MethodPost, "/api/chat", `{"message":"x"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "Upstream timeout", detail(t, rec))

	g.drain(t)
	assert.Empty(t, g.store.exchanges)
}

func TestChatUnreachableUpstream(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	addr := gone.URL
	gone.Close()

	// No model named: the default model goes to the only route without any
	// connection having been pooled
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "a", BaseURL: addr}}})
	rec := g.do(http.MethodPost, "/api/chat", `{"message":"x"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Cannot connect to upstream", detail(t, rec))
}

func TestChatUpstreamGoneAfterWarmup(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "a", BaseURL: up.URL}}})
	require.Equal(t, http.StatusOK, g.do(http.MethodGet, "/api/models", "").Code)
	up.Close()

	// The failure surfaces on a pooled connection or a fresh dial; both are 502
	rec := g.do(http.MethodPost, "/api/chat", `{"message":"x","model":"m1"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChatStream(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	up.SetChat(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"`+piece+`"}}]}`+"\n\n")
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "a", BaseURL: up.URL}}})

	rec := g.do(http.MethodPost, "/api/chat/stream", `{"message":"hello","max_tokens":16}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"content":"Hel"`)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))

	var sent shared.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(up.LastBody(), &sent))
	assert.True(t, sent.Stream)
	require.NotNil(t, sent.MaxTokens)
	assert.Equal(t, 16, *sent.MaxTokens)

	g.drain(t)
	require.Len(t, g.store.exchanges, 1)
	assert.Equal(t, "Hello", g.store.exchanges[0].AssistantText)
	assert.Equal(t, database.StatusCompleted, g.store.exchanges[0].Status)
	require.Len(t, g.store.artifacts, 1)
	assert.Equal(t, "Hello", g.store.artifacts[0].FinalText)
	assert.Len(t, g.store.artifacts[0].RawLines, 3)
}

func TestChatStreamFailsBeforeFirstByte(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	up.SetChat(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "a", BaseURL: up.URL}}})

	rec := g.do(http.MethodPost, "/api/chat/stream", `{"message":"hello"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(relay.ErrorEvent("Upstream error: 500")), rec.Body.String())

	g.drain(t)
	assert.Empty(t, g.store.exchanges)
}

func TestChatStreamTimeout(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	up.SetChat(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	g := newTestGateway(t, gatewayOptions{
		routes: []upstream.Route{{Key: "a", BaseURL: up.URL}},
		relay:  relay.Config{HeartbeatInterval: time.Hour, TotalTimeout: 150 * time.Millisecond},
	})

	rec := g.do(http.MethodPost, "/api/chat/stream", `{"message":"hello"}`)
	assert.Equal(t, string(relay.ErrorEvent("Upstream timeout")), rec.Body.String())

	g.drain(t)
	require.Len(t, g.store.exchanges, 1)
	assert.Equal(t, database.StatusTimeout, g.store.exchanges[0].Status)
}

func TestEmbeddings(t *testing.T) {
	up := newFakeUpstream(t, "e5")
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "emb", BaseURL: up.URL}}, defaultName: "e5"})

	rec := g.do(http.MethodPost, "/api/embeddings", `{"input":["a","b"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "embedding")
	assert.JSONEq(t, `{"model":"e5","input":["a","b"]}`, string(up.LastBody()))

	assert.Equal(t, http.StatusUnprocessableEntity, g.do(http.MethodPost, "/api/embeddings", `{}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, g.do(http.MethodPost, "/api/embeddings", `{"input":null}`).Code)
}

func TestModelsFilteredByAllowList(t *testing.T) {
	a := newFakeUpstream(t, "m1", "m2")
	b := newFakeUpstream(t, "m1", "secret")
	g := newTestGateway(t, gatewayOptions{
		routes:  []upstream.Route{{Key: "a", BaseURL: a.URL}, {Key: "b", BaseURL: b.URL}},
		allowed: []string{"m1", "m2"},
	})

	rec := g.do(http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "m1", list.Data[0].ID)
	assert.Len(t, list.Data[0].Sources, 2)
	assert.Equal(t, "m2", list.Data[1].ID)
}

func TestHealth(t *testing.T) {
	up := newFakeUpstream(t, "m1")
	g := newTestGateway(t, gatewayOptions{routes: []upstream.Route{{Key: "a", BaseURL: up.URL}}})
	assert.JSONEq(t, `{"ok":true,"upstream":"ok"}`, g.do(http.MethodGet, "/api/health", "").Body.String())

	up.Close()
	assert.JSONEq(t, `{"ok":true,"upstream":"unavailable"}`, g.do(http.MethodGet, "/api/health", "").Body.String())

	g = newTestGateway(t, gatewayOptions{})
	assert.JSONEq(t, `{"ok":true,"upstream":"unconfigured"}`, g.do(http.MethodGet, "/api/health", "").Body.String())
}

func TestMessageRawWithoutStorage(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	rec := g.do(http.MethodGet, "/api/messages/abc/raw", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
