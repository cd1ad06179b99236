package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fathom-run/fathom/internal/backend"
)

func TestStreamOutputDeliversEvents(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/exec-1/output")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// Publish after the subscription is live, then close the topic.
	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.engine.Broker().Publish("exec-1", backend.StreamStdout, []byte("hello"))
		srv.engine.Broker().Close("exec-1")
	}()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	body := strings.Join(lines, "\n")
	if !strings.Contains(body, "event: stdout") {
		t.Errorf("stream missing stdout event:\n%s", body)
	}
	if !strings.Contains(body, "data: hello") {
		t.Errorf("stream missing data line:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("stream missing done event:\n%s", body)
	}
}

func TestStreamOutputFinishedExecution(t *testing.T) {
	srv := newTestServer(t)
	srv.engine.Broker().Close("exec-done")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/exec-done/output")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	body := strings.Join(lines, "\n")
	if !strings.Contains(body, "event: done") {
		t.Errorf("stream missing done event:\n%s", body)
	}
}
