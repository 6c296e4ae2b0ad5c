package executor_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/toolgate/internal/catalog"
	"github.com/agentoven/toolgate/internal/executor"
	"github.com/agentoven/toolgate/pkg/contracts"
	"github.com/agentoven/toolgate/pkg/models"
)

// ─── Registry ────────────────────────────────────────────────

func TestRegistry_LookupAndDefault(t *testing.T) {
	r := executor.NewRegistry()
	if _, err := r.Lookup("chat"); !models.IsNotFound(err) {
		t.Fatalf("Lookup(chat) error = %v, want not found", err)
	}

	called := ""
	r.SetDefault(contracts.ToolExecutorFunc(func(_ context.Context, c *contracts.ToolCall) (json.RawMessage, error) {
		called = c.ToolName
		return json.RawMessage(`{}`), nil
	}))
	e, err := r.Lookup("chat")
	if err != nil {
		t.Fatalf("Lookup(chat) error = %v", err)
	}
	e.Execute(context.Background(), &contracts.ToolCall{ToolName: "chat"})
	if called != "chat" {
		t.Errorf("default executor got tool %q, want chat", called)
	}
	if !r.HasDefault() {
		t.Error("HasDefault() = false")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	cat := catalog.NewDefault()
	if err := cat.SetHealth("ollama", models.HealthDown); err != nil {
		t.Fatal(err)
	}
	r := executor.NewRegistry()
	executor.RegisterBuiltins(r, cat, "1.2.3", func(context.Context) map[string]any {
		return map[string]any{"sessions": 3}
	})

	want := []string{"listmodels", "status", "version"}
	if got := r.Tools(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Tools() = %v, want %v", got, want)
	}

	run := func(tool string) map[string]any {
		t.Helper()
		e, err := r.Lookup(tool)
		if err != nil {
			t.Fatalf("Lookup(%s) error = %v", tool, err)
		}
		raw, err := e.Execute(context.Background(), &contracts.ToolCall{ToolName: tool})
		if err != nil {
			t.Fatalf("%s Execute() error = %v", tool, err)
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s result not JSON: %v", tool, err)
		}
		return out
	}

	if v := run("version")["version"]; v != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", v)
	}
	status := run("status")
	if status["sessions"] != float64(3) {
		t.Errorf("status sessions = %v, want 3", status["sessions"])
	}
	if status["providers_available"] != float64(len(cat.ListProviders())-1) {
		t.Errorf("providers_available = %v", status["providers_available"])
	}
	if providers, _ := run("listmodels")["providers"].([]any); len(providers) != len(cat.ListProviders()) {
		t.Errorf("listmodels returned %d providers", len(providers))
	}
}

// ─── MCP Upstream ────────────────────────────────────────────

func TestMCPExecutor(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jsonrpc":"2.0","id":"1","result":{"content":[{"type":"text","text":"hi"}]}}`)
	}))
	defer srv.Close()

	e := executor.NewMCPExecutor(srv.URL, "secret", 5*time.Second)
	res, err := e.Execute(context.Background(), &contracts.ToolCall{
		SessionID:     "s1",
		ToolName:      "chat",
		Provider:      "gemini",
		Model:         "gemini-2.5-flash",
		ExecutionPath: models.PathStandard,
		Arguments:     json.RawMessage(`{"prompt":"hello"}`),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(string(res), `"text":"hi"`) {
		t.Errorf("Execute() = %s", res)
	}

	if gotBody["method"] != "tools/call" {
		t.Errorf("method = %v, want tools/call", gotBody["method"])
	}
	params := gotBody["params"].(map[string]any)
	meta := params["_meta"].(map[string]any)
	if params["name"] != "chat" || meta["provider"] != "gemini" || meta["model"] != "gemini-2.5-flash" {
		t.Errorf("params = %v", params)
	}
}

func TestMCPExecutor_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusBadGateway, `upstream down`},
		{"rpc error", http.StatusOK, `{"jsonrpc":"2.0","id":"1","error":{"code":-32001,"message":"Tool not found"}}`},
		{"empty result", http.StatusOK, `{"jsonrpc":"2.0","id":"1"}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			e := executor.NewMCPExecutor(srv.URL, "", time.Second)
			if _, err := e.Execute(context.Background(), &contracts.ToolCall{ToolName: "chat"}); err == nil {
				t.Error("Execute() error = nil, want error")
			}
		})
	}
}
