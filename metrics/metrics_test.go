package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, h http.Handler, path string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s = %d", path, rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestLinkMetricsExported(t *testing.T) {
	s := NewServer("", "")
	m := NewLinkMetrics(s.Registry())
	m.SendAttempt("tcp")
	m.SendAttempt("tcp")
	m.MessageSent("tcp")
	m.Command("set", "ok")
	m.Command("", "error")
	m.SetListening("serial", true)

	body := scrape(t, s.Handler(), "/metrics")
	for _, want := range []string{
		`commandlink_send_attempts_total{transport="tcp"} 2`,
		`commandlink_messages_sent_total{transport="tcp"} 1`,
		`commandlink_commands_total{command="set",status="ok"} 1`,
		`commandlink_commands_total{command="unknown",status="error"} 1`,
		`commandlink_listening{transport="serial"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestNilLinkMetrics(t *testing.T) {
	var m *LinkMetrics
	m.SendAttempt("udp")
	m.MessageSent("udp")
	m.SendFailure("udp")
	m.Command("ok", "ok")
	m.SetListening("udp", false)
}

func TestHealth(t *testing.T) {
	body := scrape(t, NewServer("", "/m").Handler(), "/healthz")
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("health = %s", body)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	s := NewServer("127.0.0.1:0", "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return")
	}
}
