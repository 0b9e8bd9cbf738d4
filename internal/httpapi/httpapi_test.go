package httpapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vibetunnel/termd/internal/config"
	"github.com/vibetunnel/termd/internal/control"
	"github.com/vibetunnel/termd/internal/eventbus"
	"github.com/vibetunnel/termd/internal/httpapi"
	"github.com/vibetunnel/termd/internal/registry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg, err := registry.New(registry.Options{ControlRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	bus, err := eventbus.NewBus("")
	if err != nil {
		t.Fatalf("eventbus.NewBus: %v", err)
	}
	plane := control.New(reg, bus, nil)
	cfg := config.DefaultConfig()
	srv := httpapi.New(cfg, plane)
	return httptest.NewServer(srv.Router())
}

func TestCreateListGetSession(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	body := strings.NewReader(`{"command":["/bin/sh","-c","sleep 5"],"cols":80,"rows":24}`)
	resp, err := http.Post(ts.URL+"/api/v1/sessions/", "application/json", body)
	if err != nil {
		t.Fatalf("POST create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created map[string]string
	json.NewDecoder(resp.Body).Decode(&created)
	id := created["id"]
	if id == "" {
		t.Fatal("expected non-empty session id")
	}

	listResp, err := http.Get(ts.URL + "/api/v1/sessions/")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	defer listResp.Body.Close()
	var list []map[string]interface{}
	json.NewDecoder(listResp.Body).Decode(&list)
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}

	getResp, err := http.Get(ts.URL + "/api/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET detail: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}

	killResp, err := http.Post(ts.URL+"/api/v1/sessions/"+id+"/kill", "application/json", strings.NewReader(`{"signal":"SIGKILL"}`))
	if err != nil {
		t.Fatalf("POST kill: %v", err)
	}
	killResp.Body.Close()
	if killResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", killResp.StatusCode)
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/sessions/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	reg, err := registry.New(registry.Options{ControlRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	bus, _ := eventbus.NewBus("")
	plane := control.New(reg, bus, nil)
	cfg := config.DefaultConfig()
	cfg.Server.AuthToken = "secret"
	srv := httpapi.New(cfg, plane)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/sessions/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
