package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsExternal(t *testing.T) {
	cases := map[string]bool{
		"mturk.a1b2": true,
		"mturk.":     false,
		"w1":         false,
		"local":      false,
	}
	for id, want := range cases {
		if got := IsExternal(id); got != want {
			t.Errorf("IsExternal(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestExternalID(t *testing.T) {
	if got := ExternalID("mturk.a1b2"); got != "A1B2" {
		t.Fatalf("ExternalID = %q, want A1B2", got)
	}
}

func TestWebhookNotifierPostsPayload(t *testing.T) {
	var got struct {
		Workers []string `json:"workers"`
		Subject string   `json:"subject"`
		Body    string   `json:"body"`
	}
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Crowdwork-Secret")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "s3cret", time.Second)
	err := n.NotifyWorkers(context.Background(), []string{"mturk.a1"}, "New tasks", "details")
	if err != nil {
		t.Fatal(err)
	}
	if secret != "s3cret" {
		t.Fatalf("secret header %q", secret)
	}
	if len(got.Workers) != 1 || got.Workers[0] != "mturk.a1" || got.Subject != "New tasks" {
		t.Fatalf("payload %+v", got)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", time.Second)
	if err := n.NotifyWorkers(context.Background(), []string{"w"}, "s", "b"); err == nil {
		t.Fatal("non-2xx must be an error")
	}
}
