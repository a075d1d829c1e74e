package bridge //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"edbridge/pkg/protocol"
	"edbridge/pkg/transport"
)

// recvEnvelopes reads frames from c onto a channel until it closes.
func recvEnvelopes(c transport.Conn) <-chan protocol.Envelope {
	out := make(chan protocol.Envelope, 16)
	go func() {
		defer close(out)
		for {
			data, err := c.Recv(context.Background())
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil {
				out <- env
			}
		}
	}()
	return out
}

func nextEnvelope(t *testing.T, ch <-chan protocol.Envelope, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("connection closed while waiting for %s", typ)
		}
		if env.Type != typ {
			t.Fatalf("got %s, want %s", env.Type, typ)
		}
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("no %s within 3s", typ)
		return protocol.Envelope{}
	}
}

func sendHello(t *testing.T, c transport.Conn, instanceID string) {
	t.Helper()
	hello := protocol.New(protocol.MsgHello, "")
	hello.Hello = &protocol.HelloPayload{WorkerInstanceID: instanceID, State: protocol.WorkerReady, Seq: 1}
	if err := c.Send(context.Background(), hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}
}

func TestServer_WebsocketWorker(t *testing.T) {
	t.Parallel()

	b := New(testConfig(), nil, nil)
	srv := NewServer(b, ServerConfig{Addr: "127.0.0.1:0"}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.DialWS(ctx, srv.URL())
	if err != nil {
		t.Fatalf("dial %s: %v", srv.URL(), err)
	}
	frames := recvEnvelopes(client)
	sendHello(t, client, "ws-worker")

	capability := nextEnvelope(t, frames, protocol.MsgCapability)
	if capability.Capability.HeartbeatIntervalMS != time.Hour.Milliseconds() {
		t.Errorf("heartbeat interval = %d", capability.Capability.HeartbeatIntervalMS)
	}
	waitReady(t, b)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var st Status
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Connected || st.WorkerInstanceID != "ws-worker" || st.Connections != 1 {
		t.Errorf("status = %+v", st)
	}

	if err := srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for range frames {
	}
	if got := b.State().Snapshot().BridgeState; got != protocol.BridgeStopped {
		t.Errorf("bridge state = %s, want stopped", got)
	}
}

func TestServer_UnixWorker(t *testing.T) {
	t.Parallel()

	sock := fmt.Sprintf("/tmp/edb-srv-%d.sock", time.Now().UnixNano())
	t.Cleanup(func() { _ = os.Remove(sock) })

	b := New(testConfig(), nil, nil)
	srv := NewServer(b, ServerConfig{SocketPath: sock}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.Addr() != "" || srv.URL() != "" {
		t.Error("websocket endpoint should be disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.DialUnix(ctx, sock)
	if err != nil {
		t.Fatalf("dial unix: %v", err)
	}
	defer client.Close()
	frames := recvEnvelopes(client)
	sendHello(t, client, "unix-worker")
	nextEnvelope(t, frames, protocol.MsgCapability)

	go func() {
		req, ok := <-frames
		if !ok || req.Type != protocol.MsgExecute {
			return
		}
		resp := protocol.New(protocol.MsgResult, req.RequestID)
		resp.Result = &protocol.ResultPayload{Status: protocol.StatusOK, Result: []byte(`true`)}
		_ = client.Send(context.Background(), resp)
	}()
	out, err := b.SyncCall(ctx, "ping.tool", nil, 0)
	if err != nil || string(out) != "true" {
		t.Fatalf("SyncCall = %s, %v", out, err)
	}

	if err := srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
