package httpd

import (
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServeAndShutdown(t *testing.T) {
	var closed atomic.Bool
	srv := New(
		ListensOn("127.0.0.1:0"),
		HandlesRequestsWith(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("pong"))
		})),
		OnShutdown(func() { closed.Store(true) }),
	)

	ds, ok := srv.(*defaultServer)
	require.True(t, ok)
	require.NoError(t, ds.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	var resp *http.Response
	var err error
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + srv.Addr() + "/")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	require.NoError(t, srv.Shutdown())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, closed.Load(), "shutdown hook runs")
}

func TestServer_ShutdownIsIdempotent(t *testing.T) {
	srv := New(ListensOn("127.0.0.1:0"))
	require.NoError(t, srv.Shutdown())
	require.NoError(t, srv.Shutdown())
}
