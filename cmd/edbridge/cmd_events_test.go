package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"edbridge/pkg/eventlog"
)

func seedEvents(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	w, err := eventlog.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for _, ev := range []eventlog.Event{
		{Type: eventlog.TypeWorkerConnected, Source: "host", ConnID: "c1", WorkerID: "w-1"},
		{Type: eventlog.TypeHeartbeatTimeout, Source: "host", ConnID: "c1", WorkerID: "w-1"},
		{Type: eventlog.TypeWorkerDisconnected, Source: "host", ConnID: "c1", WorkerID: "w-1", Payload: `{"reason":"heartbeat"}`},
		{Type: eventlog.TypeWorkerConnected, Source: "host", ConnID: "c2", WorkerID: "w-2"},
	} {
		if err := w.Record(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	return dbPath
}

func TestRunEvents(t *testing.T) {
	t.Parallel()

	dbPath := seedEvents(t)
	tests := []struct {
		name  string
		cfg   eventsConfig
		want  []string
		lines int
	}{
		{"all oldest first", eventsConfig{limit: 50}, []string{"worker_connected", "worker_disconnected"}, 4},
		{"by type", eventsConfig{eventType: "worker_connected", limit: 50}, []string{"conn=c1", "conn=c2"}, 2},
		{"by worker", eventsConfig{workerID: "w-2"}, []string{"worker=w-2"}, 1},
		{"limit keeps newest", eventsConfig{limit: 1}, []string{"worker=w-2"}, 1},
		{"payload shown", eventsConfig{eventType: "worker_disconnected"}, []string{`{"reason":"heartbeat"}`}, 1},
		{"since", eventsConfig{since: time.Hour, limit: 50}, []string{"heartbeat_timeout"}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			if err := runEvents(context.Background(), &buf, dbPath, tt.cfg, time.Now()); err != nil {
				t.Fatalf("runEvents: %v", err)
			}
			out := buf.String()
			if !containsAll(out, tt.want...) {
				t.Errorf("output missing %v:\n%s", tt.want, out)
			}
			if got := strings.Count(out, "\n"); got != tt.lines {
				t.Errorf("lines = %d, want %d:\n%s", got, tt.lines, out)
			}
		})
	}

	t.Run("oldest first", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if err := runEvents(context.Background(), &buf, dbPath, eventsConfig{}, time.Now()); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		if strings.Index(out, "conn=c1") > strings.Index(out, "conn=c2") {
			t.Errorf("events out of order:\n%s", out)
		}
	})
}

func TestRunEvents_CountsAndEmpty(t *testing.T) {
	t.Parallel()

	dbPath := seedEvents(t)
	var buf bytes.Buffer
	if err := runEvents(context.Background(), &buf, dbPath, eventsConfig{counts: true}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !containsAll(buf.String(), "heartbeat_timeout      1", "worker_connected       2") {
		t.Errorf("counts:\n%s", buf.String())
	}

	buf.Reset()
	if err := runEvents(context.Background(), &buf, dbPath, eventsConfig{eventType: "protocol_mismatch"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "no events found\n" {
		t.Errorf("empty output = %q", buf.String())
	}

	if err := runEvents(context.Background(), &buf, filepath.Join(t.TempDir(), "none.db"), eventsConfig{}, time.Now()); err == nil {
		t.Error("expected error for a missing database")
	}
}
