package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"swarm/pkg/heartbeat"
	"swarm/pkg/ralph"
	"swarm/pkg/tmux"
	"swarm/pkg/worker"
)

func TestHumanAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{3 * time.Hour, "3h"},
		{47 * time.Hour, "47h"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := humanAge(tt.d); got != tt.want {
			t.Errorf("humanAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestHandle(t *testing.T) {
	tmuxWorker := worker.Worker{Name: "a", Tmux: &tmux.Pane{Session: "swarm", Window: "a"}}
	if got := handle(tmuxWorker); got != "tmux swarm:a" {
		t.Errorf("tmux handle = %q", got)
	}
	if got := handle(worker.Worker{Name: "b", PID: 42}); got != "pid 42" {
		t.Errorf("pid handle = %q", got)
	}
	if got := handle(worker.Worker{Name: "c"}); got != "-" {
		t.Errorf("empty handle = %q", got)
	}
}

func TestWorkerRow(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := worker.Worker{
		Name:      "agent",
		Status:    worker.StatusRunning,
		PID:       7,
		StartedAt: now.Add(-90 * time.Second),
		Tags:      worker.NewTags("team-a"),
	}
	rl := &ralph.State{Status: ralph.StatusRunning, CurrentIteration: 2, MaxIterations: 10}

	r := workerRow(w, nil, rl, now)
	if r.age != "1m" {
		t.Errorf("age = %q", r.age)
	}
	if r.loop != "running 2/10" {
		t.Errorf("loop = %q", r.loop)
	}
	if r.heartbeat != "-" {
		t.Errorf("heartbeat = %q", r.heartbeat)
	}
	if r.tags != "team-a" {
		t.Errorf("tags = %q", r.tags)
	}

	hb := &heartbeat.State{Status: heartbeat.StatusPaused}
	if r := workerRow(w, hb, nil, now); !strings.HasPrefix(r.heartbeat, "paused") {
		t.Errorf("heartbeat = %q", r.heartbeat)
	}
}

func TestRenderTable_Plain(t *testing.T) {
	rows := []row{
		{name: "a", status: "running", handle: "pid 1", age: "5s", loop: "-", heartbeat: "-", tags: "-"},
		{name: "longer-name", status: "stopped", handle: "tmux swarm:longer-name", age: "2h", loop: "-", heartbeat: "-", tags: "x"},
	}
	var buf bytes.Buffer
	renderTable(&buf, rows, newStyles(false))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	// NAME is as wide as "longer-name" plus the two-space gutter.
	statusCol := strings.Index(lines[0], "STATUS")
	if statusCol != len("longer-name")+2 {
		t.Errorf("header not aligned: %q", lines[0])
	}
	for _, l := range lines[1:] {
		if !strings.HasPrefix(l[statusCol:], "running") && !strings.HasPrefix(l[statusCol:], "stopped") {
			t.Errorf("status column misaligned in %q", l)
		}
	}
}
