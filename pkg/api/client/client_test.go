package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitDeploymentSendsBodyAndToken(t *testing.T) {
	var gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deployments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"deployment_id":"dep-1","status":"pending"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sub, err := cli.SubmitDeployment(context.Background(), "tok", json.RawMessage(`{"tenant_id":"t1"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.DeploymentID != "dep-1" || sub.Status != "pending" {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if gotBody != `{"tenant_id":"t1"}` {
		t.Fatalf("expected raw body forwarded, got %q", gotBody)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestDeployUsesWaitQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("expected wait=true, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"deployment_id":"dep-1","attempts":1,"final_status":"success","hosting_url":"https://s.example","agent_trace":[{"agent":"deploy"}]}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	res, err := cli.Deploy(context.Background(), "tok", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !res.Succeeded() || res.HostingURL != "https://s.example" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Trace) == 0 {
		t.Fatalf("expected raw trace")
	}
}

func TestAPIErrorsAreTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.GetDeployment(context.Background(), "tok", "dep/x")
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	apiErr, ok := err.(APIError)
	if !ok || apiErr.Message != "not found" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestListAgentLogsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployments/dep-1/logs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "50" || r.URL.Query().Get("offset") != "10" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":1,"agent":"deploy","attempt":1,"payload":{"success":true}}]`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	entries, err := cli.ListAgentLogs(context.Background(), "tok", "dep-1", 50, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Agent != "deploy" || string(entries[0].Payload) != `{"success":true}` {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestCircuitStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenants/tenant-1/circuit" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"tenant_id":"tenant-1","failures":5,"open":true}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	status, err := cli.CircuitStatus(context.Background(), "tok", "tenant-1")
	if err != nil {
		t.Fatalf("circuit: %v", err)
	}
	if !status.Open || status.Failures != 5 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestNewNormalizesBaseURL(t *testing.T) {
	cli, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:4000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
