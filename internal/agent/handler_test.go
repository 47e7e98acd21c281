package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService(newMockStore(), &mockFactory{})
	srv := httptest.NewServer(NewHandler(svc).Routes())
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHandlerCreateAndGet(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/", testConfig("My Agent"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d, want 201", resp.StatusCode)
	}
	created := decodeBody[Record](t, resp)
	if created.Name != "my_agent" {
		t.Fatalf("created name %q, want my_agent", created.Name)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/my_agent", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: got %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing: got %d, want 404", resp.StatusCode)
	}
}

func TestHandlerCreateConflictAndBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := doJSON(t, http.MethodPost, srv.URL+"/", testConfig("My Agent")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d, want 201", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, srv.URL+"/", testConfig("my agent")); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: got %d, want 409", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewBufferString("{nope"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: got %d, want 400", resp.StatusCode)
	}
}

func TestHandlerList(t *testing.T) {
	srv, _ := newTestServer(t)

	doJSON(t, http.MethodPost, srv.URL+"/", testConfig("Alpha"))
	doJSON(t, http.MethodPost, srv.URL+"/", testConfig("Beta"))

	resp := doJSON(t, http.MethodGet, srv.URL+"/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: got %d, want 200", resp.StatusCode)
	}
	body := decodeBody[listResponse](t, resp)
	if len(body.Agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(body.Agents))
	}
}

func TestHandlerUpdateAndDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/", testConfig("My Agent"))

	resp := doJSON(t, http.MethodPut, srv.URL+"/my_agent", map[string]any{"bio": []string{"new bio"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: got %d, want 200", resp.StatusCode)
	}
	updated := decodeBody[Record](t, resp)
	if len(updated.Bio) != 1 || updated.Bio[0] != "new bio" {
		t.Fatalf("bio not updated: %v", updated.Bio)
	}

	if resp := doJSON(t, http.MethodPut, srv.URL+"/ghost", map[string]any{}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("update missing: got %d, want 404", resp.StatusCode)
	}

	if resp := doJSON(t, http.MethodDelete, srv.URL+"/my_agent", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: got %d, want 204", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodDelete, srv.URL+"/my_agent", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: got %d, want 404", resp.StatusCode)
	}
}

func TestHandlerLifecycle(t *testing.T) {
	srv, svc := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/", testConfig("My Agent"))

	// Status before start.
	resp := doJSON(t, http.MethodGet, srv.URL+"/my_agent/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if st := decodeBody[runningResponse](t, resp); st.Running {
		t.Fatal("fresh agent reports running")
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/my_agent/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: got %d, want 200", resp.StatusCode)
	}
	if body := decodeBody[statusResponse](t, resp); body.Status != "success" {
		t.Fatalf("start body %q, want success", body.Status)
	}

	if resp := doJSON(t, http.MethodPost, srv.URL+"/my_agent/start", nil); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("second start: got %d, want 500", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/my_agent/status", nil)
	if st := decodeBody[runningResponse](t, resp); !st.Running {
		t.Fatal("started agent reports not running")
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/my_agent/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: got %d, want 200", resp.StatusCode)
	}
	// Stop again: still success.
	if resp := doJSON(t, http.MethodPost, srv.URL+"/my_agent/stop", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat stop: got %d, want 200", resp.StatusCode)
	}

	if svc.IsRunning("my_agent") {
		t.Fatal("agent still running after stop")
	}

	// Lifecycle endpoints 404 for unknown agents; stop idempotence only
	// applies to agents that exist.
	if resp := doJSON(t, http.MethodPost, srv.URL+"/ghost/start", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("start missing: got %d, want 404", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, srv.URL+"/ghost/stop", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop missing: got %d, want 404", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodGet, srv.URL+"/ghost/status", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status missing: got %d, want 404", resp.StatusCode)
	}
}

func TestHandlerActions(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/", testConfig("My Agent"))

	if resp := doJSON(t, http.MethodGet, srv.URL+"/ghost/actions", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("actions of missing agent: got %d, want 404", resp.StatusCode)
	}
	// Known agent without an active loop has no live connections.
	if resp := doJSON(t, http.MethodGet, srv.URL+"/my_agent/actions", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("actions while stopped: got %d, want 503", resp.StatusCode)
	}

	if resp := doJSON(t, http.MethodPost, srv.URL+"/my_agent/start", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("start: got %d, want 200", resp.StatusCode)
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/my_agent/actions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("actions while running: got %d, want 200", resp.StatusCode)
	}
	body := decodeBody[actionsResponse](t, resp)
	if len(body.Actions["openai"]) == 0 {
		t.Fatalf("openai actions missing: %#v", body.Actions)
	}

	doJSON(t, http.MethodPost, srv.URL+"/my_agent/stop", nil)
}

func TestHandlerAction(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/", testConfig("My Agent"))

	resp := doJSON(t, http.MethodPost, srv.URL+"/my_agent/action", ActionRequest{
		Connection: "openai",
		Action:     "check-model",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("action: got %d, want 200", resp.StatusCode)
	}
	body := decodeBody[actionResponse](t, resp)
	if body.Status != "success" || body.Response != "ok" {
		t.Fatalf("action body %#v", body)
	}

	if resp := doJSON(t, http.MethodPost, srv.URL+"/ghost/action", ActionRequest{Connection: "openai", Action: "check-model"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("action on missing agent: got %d, want 404", resp.StatusCode)
	}

	if resp := doJSON(t, http.MethodPost, srv.URL+"/my_agent/action", ActionRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("action without connection: got %d, want 400", resp.StatusCode)
	}
}
