package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			http.NotFound(w, r)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if req.Prompt == "" {
			http.Error(w, "missing prompt", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Text: "cardiology, neurology"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithModel("gemma-2b"))
	text, err := client.Generate(context.Background(), "Which domains apply?")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "cardiology, neurology" {
		t.Fatalf("unexpected completion: %q", text)
	}
}

func TestClientGenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if _, err := client.Generate(context.Background(), "prompt"); err == nil {
		t.Fatal("expected error from 503 response")
	}
}

func TestReadEvents(t *testing.T) {
	stream := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\n: comment\n\ndata: {\"n\":3}\n"

	var got []int
	err := ReadEvents(strings.NewReader(stream), func(payload json.RawMessage) error {
		var ev struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			return err
		}
		got = append(got, ev.N)
		return nil
	})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected events: %v", got)
	}
}
