package upstream

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryLowercasesKeysAndKeepsOrder(t *testing.T) {
	r := NewRegistry([]Route{
		{Key: "Beta", BaseURL: "http://beta:8000/v1/"},
		{Key: "alpha", BaseURL: "http://alpha:8000/v1"},
		{Key: "", BaseURL: "http://ignored"},
	}, DefaultClientOptions(), zap.NewNop().Sugar())

	assert.Equal(t, []string{"beta", "alpha"}, r.RouteKeys())

	base, err := r.BaseURL("BETA")
	require.NoError(t, err)
	assert.Equal(t, "http://beta:8000/v1", base)

	_, err = r.BaseURL("gamma")
	assert.True(t, errors.Is(err, ErrUnknownRoute))

	_, err = r.Client("gamma")
	assert.True(t, errors.Is(err, ErrUnknownRoute))
}

func TestRegistryReusesClientPerRoute(t *testing.T) {
	r := NewRegistry([]Route{{Key: "a", BaseURL: "http://a"}, {Key: "b", BaseURL: "http://b"}},
		DefaultClientOptions(), zap.NewNop().Sugar())

	var wg sync.WaitGroup
	clients := make([]*http.Client, 16)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Client("A")
			assert.NoError(t, err)
			clients[i] = c
		}()
	}
	wg.Wait()

	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}

	other, err := r.Client("b")
	require.NoError(t, err)
	assert.NotSame(t, clients[0], other)
}

func TestRegistryClientReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	r := NewRegistry([]Route{{Key: "slow", BaseURL: srv.URL}}, ClientOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    50 * time.Millisecond,
		WriteTimeout:   time.Second,
	}, zap.NewNop().Sugar())

	client, err := r.Client("slow")
	require.NoError(t, err)

	res, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	_, err = io.ReadAll(res.Body)
	require.ErrorIs(t, err, ErrReadTimeout)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestRegistryClientHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	r := NewRegistry([]Route{{Key: "slow", BaseURL: srv.URL}}, ClientOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    50 * time.Millisecond,
	}, zap.NewNop().Sugar())

	client, err := r.Client("slow")
	require.NoError(t, err)

	_, err = client.Get(srv.URL)
	require.ErrorIs(t, err, ErrReadTimeout)
}

func TestRegistryClientIdleConnReuse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(30 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := NewRegistry([]Route{{Key: "a", BaseURL: srv.URL}}, ClientOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    60 * time.Millisecond,
	}, zap.NewNop().Sugar())
	client, err := r.Client("a")
	require.NoError(t, err)

	// Sitting idle in the pool longer than the read timeout must not count
	// against the next request
	for range 2 {
		res, err := client.Get(srv.URL)
		require.NoError(t, err)
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		_ = res.Body.Close()
		assert.Equal(t, "ok", string(body))
		time.Sleep(100 * time.Millisecond)
	}
}

func TestRoutesFromEnv(t *testing.T) {
	t.Run("explicit routes sorted and normalized", func(t *testing.T) {
		routes := RoutesFromEnv([]string{
			"PATH=/usr/bin",
			"MODEL_ROUTE_QWEN=http://qwen:8000/v1/",
			"MODEL_ROUTE_Llama=http://llama:8000/v1",
			"MODEL_ROUTE_EMPTY=",
		}, "http://legacy:8000/v1")

		assert.Equal(t, []Route{
			{Key: "llama", BaseURL: "http://llama:8000/v1"},
			{Key: "qwen", BaseURL: "http://qwen:8000/v1"},
		}, routes)
	})

	t.Run("legacy base url becomes default route", func(t *testing.T) {
		routes := RoutesFromEnv([]string{"HOME=/root"}, "http://legacy:8000/v1/")
		assert.Equal(t, []Route{{Key: "default", BaseURL: "http://legacy:8000/v1"}}, routes)
	})

	t.Run("nothing configured", func(t *testing.T) {
		assert.Empty(t, RoutesFromEnv(nil, ""))
	})
}
