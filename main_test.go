package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Several goroutines write to one session at once (the broadcast relay plus
// the request loop); every frame must funnel through the single writer.
func TestWSWriterSerializesConcurrentSenders(t *testing.T) {
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		upgraded <- c
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	serverConn := <-upgraded
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := newWSWriter(ctx, cancel, serverConn)

	const senders, frames = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < frames; j++ {
				out.send(map[string]int{"sender": id, "frame": j})
			}
		}(i)
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for got := 0; got < senders*frames; got++ {
		var msg map[string]int
		require.NoError(t, client.ReadJSON(&msg))
	}
	wg.Wait()
}

// A dead connection cancels the session context so enqueuers stop blocking.
func TestWSWriterUnblocksAfterClose(t *testing.T) {
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		upgraded <- c
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	serverConn := <-upgraded
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := newWSWriter(ctx, cancel, serverConn)

	require.NoError(t, client.Close())
	require.NoError(t, serverConn.Close())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			out.send(map[string]int{"frame": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("senders stayed blocked after the connection died")
	}
}
