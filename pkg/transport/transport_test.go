package transport_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"edbridge/pkg/protocol"
	"edbridge/pkg/transport"
)

func TestLineConn_SendRecv(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	left := transport.NewLineConn(a)
	right := transport.NewLineConn(b)
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		env := protocol.New(protocol.MsgPing, "r-1")
		errCh <- left.Send(ctx, env)
	}()

	data, err := right.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != protocol.MsgPing || env.RequestID != "r-1" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestLineConn_CloseIsObservable(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	left := transport.NewLineConn(a)
	right := transport.NewLineConn(b)
	defer right.Close()

	if !transport.IsOpen(left) {
		t.Fatal("new connection should be open")
	}
	_ = left.Close()
	_ = left.Close() // idempotent

	select {
	case <-left.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	_, err := right.Recv(context.Background())
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed from peer, got %v", err)
	}
	if err := left.Send(context.Background(), protocol.New(protocol.MsgPing, "")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("send on closed: expected ErrClosed, got %v", err)
	}
}

func TestLineConn_RecvHonorsContext(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	left := transport.NewLineConn(a)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := left.Recv(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}

func TestWSConn_RoundTrip(t *testing.T) {
	t.Parallel()

	accepted := make(chan *transport.WSConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := transport.Accept(w, r)
		if err != nil {
			return
		}
		accepted <- c
		<-c.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := transport.DialWS(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server *transport.WSConn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted")
	}
	defer server.Close()

	hello := protocol.New(protocol.MsgHello, "")
	hello.Hello = &protocol.HelloPayload{WorkerInstanceID: "inst-1", State: protocol.WorkerReady, Seq: 1}
	if err := client.Send(ctx, hello); err != nil {
		t.Fatalf("send: %v", err)
	}

	data, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Hello == nil || env.Hello.WorkerInstanceID != "inst-1" {
		t.Errorf("unexpected hello %+v", env.Hello)
	}

	// The closing handshake needs the server to read, so close concurrently.
	go func() { _ = client.Close() }()
	if _, err := server.Recv(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed after peer close, got %v", err)
	}
	if transport.IsOpen(server) {
		t.Error("server side should observe the close")
	}
}

func TestLineConn_SendHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	left := transport.NewLineConn(a)
	defer left.Close()
	defer b.Close()

	// Nothing reads b, so the write can only end at the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := left.Send(ctx, protocol.New(protocol.MsgPing, "r-1"))
	if err == nil {
		t.Fatal("expected send to a stalled peer to fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("send took %v, want the context deadline to bound it", elapsed)
	}
	if transport.IsOpen(left) {
		t.Error("a timed out write must close the connection")
	}
}
