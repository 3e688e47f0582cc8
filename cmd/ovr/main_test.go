package main

import (
	"path/filepath"
	"testing"
	"time"

	"overdrive/internal/config"
	"overdrive/internal/types"
)

func TestSessionConfigMapsFileConfig(t *testing.T) {
	cfg = config.DefaultConfig()
	cfg.Session.Autonomy = "timid"
	cfg.Session.MaxIterations = 7
	cfg.Session.Unattended = true
	cfg.Budget.MaxTokens = 1234
	cfg.Safety.LoopThreshold = 5
	cfg.Executor.TestCommand = "make test"
	projectID = "proj-x"

	oc := sessionConfig("ses-1", "/tmp/ws")
	if oc.SessionID != "ses-1" || oc.WorkingDir != "/tmp/ws" {
		t.Fatalf("identity not threaded: %+v", oc)
	}
	if oc.ProjectID != "proj-x" {
		t.Errorf("project = %s, want proj-x", oc.ProjectID)
	}
	if oc.Autonomy != types.AutonomyTimid {
		t.Errorf("autonomy = %s, want timid", oc.Autonomy)
	}
	if oc.MaxIterations != 7 || !oc.Unattended {
		t.Errorf("session knobs not threaded: %+v", oc)
	}
	if oc.Budget.MaxTokens != 1234 {
		t.Errorf("budget tokens = %d, want 1234", oc.Budget.MaxTokens)
	}
	if oc.Safety.LoopThreshold != 5 {
		t.Errorf("loop threshold = %d, want 5", oc.Safety.LoopThreshold)
	}
	if oc.Executor.TestCommand != "make test" {
		t.Errorf("test command = %s", oc.Executor.TestCommand)
	}
}

func TestDataPathResolution(t *testing.T) {
	cfg = config.DefaultConfig()
	got := dataPath("/srv/ws")
	if want := filepath.Join("/srv/ws", ".overdrive"); got != want {
		t.Errorf("dataPath = %s, want %s", got, want)
	}

	cfg.Knowledge.DataDir = "/var/lib/overdrive"
	if got := dataPath("/srv/ws"); got != "/var/lib/overdrive" {
		t.Errorf("absolute data dir not honored: %s", got)
	}
}

func TestResolveUnder(t *testing.T) {
	if got := resolveUnder("/ws", ".overdrive/overdrive.db"); got != "/ws/.overdrive/overdrive.db" {
		t.Errorf("relative path: %s", got)
	}
	if got := resolveUnder("/ws", "/data/kv.db"); got != "/data/kv.db" {
		t.Errorf("absolute path rewritten: %s", got)
	}
}

func TestSandboxImagesConversion(t *testing.T) {
	cfg = config.DefaultConfig()
	images := sandboxImages()
	if images[types.SandboxPython] != "python:3.12-slim" {
		t.Errorf("python image = %s", images[types.SandboxPython])
	}
	if images[types.SandboxShell] != "alpine:3.20" {
		t.Errorf("shell image = %s", images[types.SandboxShell])
	}

	cfg.Sandbox.Images = nil
	if sandboxImages() != nil {
		t.Error("expected nil map for empty config")
	}
}

func TestFormatAge(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{90 * time.Minute, "1.5h"},
		{36 * time.Hour, "1.5d"},
	}
	for _, c := range cases {
		if got := formatAge(c.d); got != c.want {
			t.Errorf("formatAge(%s) = %s, want %s", c.d, got, c.want)
		}
	}
}

func TestTruncateStr(t *testing.T) {
	if got := truncateStr("short", 10); got != "short" {
		t.Errorf("short string changed: %s", got)
	}
	if got := truncateStr("a long request description", 10); got != "a long ..." {
		t.Errorf("truncated = %q", got)
	}
}
