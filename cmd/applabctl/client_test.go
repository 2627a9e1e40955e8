package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"applabd/pkg/types"
)

func newFakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"models": []types.ModelInfo{
			{ID: "m1.gguf", Name: "m1", Path: "/models/m1.gguf"},
		}})
	})
	mux.HandleFunc("/applications", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"applications": []types.ApplicationStatus{
			{RecipeID: "chatbot", ModelID: "m1.gguf", PodStatus: "Running", Health: "healthy", ModelPorts: []int{42000}},
		}})
	})
	mux.HandleFunc("/applications/stop", func(w http.ResponseWriter, r *http.Request) {
		var req types.ApplicationOpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipeID == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(types.ErrorResponse{Error: "recipe_id and model_id are required", Code: http.StatusBadRequest})
			return
		}
		if req.RecipeID == "ghost" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(types.ErrorResponse{Error: "application not tracked", Code: http.StatusNotFound})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
	})
	mux.HandleFunc("/playgrounds/query", func(w http.ResponseWriter, r *http.Request) {
		var req types.QueryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(types.QueryStatus{ID: 7, ModelID: req.ModelID, Prompt: req.Prompt})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: state\n\ndata: tasks\n\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientListsAndOps(t *testing.T) {
	srv := newFakeDaemon(t)
	c := newClient(srv.URL, 2*time.Second)
	ctx := context.Background()

	models, err := c.Models(ctx)
	if err != nil || len(models) != 1 || models[0].ID != "m1.gguf" {
		t.Fatalf("models: %v %v", models, err)
	}
	apps, err := c.Applications(ctx)
	if err != nil || len(apps) != 1 || apps[0].Health != "healthy" {
		t.Fatalf("applications: %v %v", apps, err)
	}
	if err := c.ApplicationOp(ctx, "stop", "chatbot", "m1.gguf"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st, err := c.Query(ctx, "m1.gguf", "hello")
	if err != nil || st.ID != 7 {
		t.Fatalf("query: %+v %v", st, err)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := newFakeDaemon(t)
	c := newClient(srv.URL, 2*time.Second)

	err := c.ApplicationOp(context.Background(), "stop", "ghost", "m1.gguf")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "application not tracked") || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v", err)
	}
}

func TestClientWatchEvents(t *testing.T) {
	srv := newFakeDaemon(t)
	c := newClient(srv.URL, 2*time.Second)

	var got []string
	err := c.WatchEvents(context.Background(), func(msg string) { got = append(got, msg) })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(got) != 2 || got[0] != "state" || got[1] != "tasks" {
		t.Fatalf("events: %v", got)
	}
}

func TestAppsListCommandOutput(t *testing.T) {
	srv := newFakeDaemon(t)
	var buf bytes.Buffer
	cfg := &clientConfig{Server: srv.URL, Timeout: 2 * time.Second}
	root := buildRootCmdWith(cfg, &buf)
	root.SetArgs([]string{"apps", "list"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "chatbot") || !strings.Contains(out, "healthy") {
		t.Fatalf("output: %q", out)
	}
}
