package main

import (
	"errors"
	"testing"

	"swarm/pkg/protocol"
	"swarm/pkg/worker"
)

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y", "C="})
	if err != nil {
		t.Fatalf("parseEnv: %v", err)
	}
	want := map[string]string{"A": "1", "B": "x=y", "C": ""}
	if len(env) != len(want) {
		t.Fatalf("got %v", env)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}

	if env, err := parseEnv(nil); err != nil || env != nil {
		t.Errorf("empty input: %v, %v", env, err)
	}

	for _, bad := range []string{"NOEQUALS", "=value"} {
		_, err := parseEnv([]string{bad})
		var cfgErr *protocol.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("parseEnv(%q) error = %v, want ConfigError", bad, err)
		}
	}
}

func TestFilterWorkers(t *testing.T) {
	ws := []worker.Worker{
		{Name: "a", Status: worker.StatusRunning, Tags: worker.NewTags("x")},
		{Name: "b", Status: worker.StatusStopped, Tags: worker.NewTags("x", "y")},
		{Name: "c", Status: worker.StatusRunning},
	}

	names := func(ws []worker.Worker) string {
		s := ""
		for _, w := range ws {
			s += w.Name
		}
		return s
	}

	tests := []struct {
		tag    string
		status worker.Status
		want   string
	}{
		{"", "", "abc"},
		{"x", "", "ab"},
		{"y", "", "b"},
		{"", worker.StatusRunning, "ac"},
		{"x", worker.StatusStopped, "b"},
		{"z", "", ""},
	}
	for _, tt := range tests {
		if got := names(filterWorkers(ws, tt.tag, tt.status)); got != tt.want {
			t.Errorf("filterWorkers(%q, %q) = %q, want %q", tt.tag, tt.status, got, tt.want)
		}
	}
	if len(ws) != 3 || ws[2].Name != "c" {
		t.Error("filterWorkers modified its input")
	}
}
