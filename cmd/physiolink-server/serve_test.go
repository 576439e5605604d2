package main

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestShutdown_StopsStreamsBeforeDraining(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	streamClosed := make(chan struct{})
	entered := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(entered)
		<-streamClosed
	})}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()

	go func() {
		resp, err := http.Get("http://" + lis.Addr().String())
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("stream request never reached the handler")
	}

	started := time.Now()
	shutdown(log, srv, grpc.NewServer(), 5*time.Second, func() { close(streamClosed) })
	assert.Less(t, time.Since(started), 2*time.Second, "shutdown must not wait out its timeout on open streams")
}
