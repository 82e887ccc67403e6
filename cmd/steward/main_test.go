package main

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/kit/log"
	"go.gearno.de/steward/internal/ratelimit"
)

func TestNewListener_BindsAndAccepts(t *testing.T) {
	listener, err := newListener("127.0.0.1", 0)
	require.NoError(t, err)
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
		close(done)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	conn.Close()

	<-done
}

func TestNewListener_RejectsInvalidAddr(t *testing.T) {
	_, err := newListener("not-an-ip", 0)
	assert.Error(t, err)
}

func TestAdminHandler_Healthz(t *testing.T) {
	refresher := ratelimit.NewRefresher(nil, ratelimit.NewCache(), ratelimit.WithRefresherLogger(log.NewLogger(log.WithOutput(io.Discard))))
	handler := adminHandler(refresher)

	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminHandler_ReadyzReflectsPublishedState(t *testing.T) {
	refresher := ratelimit.NewRefresher(nil, ratelimit.NewCache(), ratelimit.WithRefresherLogger(log.NewLogger(log.WithOutput(io.Discard))))
	handler := adminHandler(refresher)

	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
