package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
)

func setupRouter() (*chi.Mux, *agent.MemoryStore) {
	store := agent.NewMemoryStore(agent.SeedModels())
	r := chi.NewRouter()
	New(store).RegisterRoutes(r)
	return r, store
}

func doJSON(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestUpsertCreatesAgentWithCamelCaseModelKey(t *testing.T) {
	r, store := setupRouter()

	resp := doJSON(r, http.MethodPost, "/agents/", []byte(`{"name":"Ada","modelKey":"mock-echo"}`))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var saved agent.Agent
	if err := json.Unmarshal(resp.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if saved.ID == "" || saved.ModelKey != "mock-echo" || saved.Temperature != agent.DefaultTemperature {
		t.Fatalf("unexpected agent %+v", saved)
	}
	if _, ok := store.FindByID(saved.ID); !ok {
		t.Fatal("agent not stored")
	}
}

func TestUpsertUnknownIDCreatesNewAgent(t *testing.T) {
	r, store := setupRouter()

	resp := doJSON(r, http.MethodPost, "/agents/", []byte(`{"id":42,"name":"Ada"}`))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(store.List()) != 1 {
		t.Fatalf("expected one agent, got %d", len(store.List()))
	}
	if _, ok := store.FindByID("42"); ok {
		t.Fatal("unknown id must not be adopted")
	}
}

func TestUpsertRejectsMissingName(t *testing.T) {
	r, _ := setupRouter()

	resp := doJSON(r, http.MethodPost, "/agents/", []byte(`{"name":"  "}`))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestGetListAndDelete(t *testing.T) {
	r, store := setupRouter()
	created, err := store.Upsert(agent.Agent{Name: "Ada", Temperature: 0.3})
	if err != nil {
		t.Fatalf("Upsert err: %v", err)
	}

	resp := doJSON(r, http.MethodGet, "/agents/"+created.ID+"/", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = doJSON(r, http.MethodGet, "/agents/list/", nil)
	var listed []agent.Agent
	if err := json.Unmarshal(resp.Body.Bytes(), &listed); err != nil || len(listed) != 1 {
		t.Fatalf("unexpected list %s (%v)", resp.Body.String(), err)
	}

	resp = doJSON(r, http.MethodDelete, "/agents/"+created.ID+"/", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}

	resp = doJSON(r, http.MethodGet, "/agents/"+created.ID+"/", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestListModels(t *testing.T) {
	r, _ := setupRouter()

	resp := doJSON(r, http.MethodGet, "/agents/models/", nil)
	var models []agent.Model
	if err := json.Unmarshal(resp.Body.Bytes(), &models); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(models) != len(agent.SeedModels()) {
		t.Fatalf("expected %d models, got %d", len(agent.SeedModels()), len(models))
	}
}
