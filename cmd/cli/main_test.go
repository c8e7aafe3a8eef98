package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakeAPI(t *testing.T, seen *map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /languages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"name": "python", "extension": ".py"},
			{"name": "ruby", "extension": ".rb"},
		})
	})
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"})
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		*seen = body
		exit := 0
		if strings.Contains(body["code"].(string), "exit(3)") {
			exit = 3
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "e1", "status": "completed", "exit_code": exit})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExec(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, &seen)

	out, err := run(t, "--server", srv.URL, "--api-key", "k", "exec", "--timeout", "2s", "print(1)")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"status": "completed"`) {
		t.Errorf("output = %s", out)
	}
	if seen["language"] != "python" || seen["timeout_ms"] != float64(2000) {
		t.Errorf("request body = %v", seen)
	}
}

func TestExec_PropagatesExitCode(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, &seen)

	_, err := run(t, "--server", srv.URL, "--api-key", "k", "exec", "exit(3)")
	if code := exitCode(err); code != 3 {
		t.Errorf("exitCode = %d, want 3 (err %v)", code, err)
	}
}

func TestExec_APIError(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, &seen)

	_, err := run(t, "--server", srv.URL, "exec", "print(1)")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 apiError", err)
	}
	if exitCode(err) != 1 {
		t.Errorf("exitCode = %d, want 1", exitCode(err))
	}
}

func TestExecFile_DetectsLanguage(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, &seen)

	path := filepath.Join(t.TempDir(), "hello.rb")
	if err := os.WriteFile(path, []byte(`puts "hi"`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "--server", srv.URL, "--api-key", "k", "exec-file", path); err != nil {
		t.Fatal(err)
	}
	if seen["language"] != "ruby" {
		t.Errorf("language = %v, want ruby", seen["language"])
	}

	unknown := filepath.Join(t.TempDir(), "x.cob")
	os.WriteFile(unknown, []byte("x"), 0o644)
	if _, err := run(t, "--server", srv.URL, "--api-key", "k", "exec-file", unknown); err == nil {
		t.Error("expected detection error for .cob")
	}
}
