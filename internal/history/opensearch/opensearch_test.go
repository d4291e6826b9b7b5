package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/procguard/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"procguard","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "procguard")
	event := history.Event{
		Type:       history.EventAcknowledged,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Source: "operator", EventID: 500010001, EventKey: 5, Detail: "ok"},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/procguard/_doc" {
		t.Errorf("Expected URL path /procguard/_doc, got: %s", receivedURL)
	}

	var got map[string]any
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if got["type"] != string(history.EventAcknowledged) {
		t.Errorf("Expected type %s, got: %v", history.EventAcknowledged, got["type"])
	}
	rec, ok := got["record"].(map[string]any)
	if !ok {
		t.Fatalf("missing record in payload: %v", got)
	}
	if rec["event_key"] != float64(5) || rec["source"] != "operator" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventRaised})
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := New("http://127.0.0.1:1", "idx").Send(ctx, history.Event{}); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
