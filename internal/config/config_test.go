package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes contents to a temp config.toml and returns its path.
func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
[settings]
session_secret = "hunter2"

[database]
file_path = "instancer.db"

[discord]
client_id = "cid"
client_secret = "csecret"
redirect_url = "http://localhost:3000/login"
server_id = "guild"

[deployers.shell]
path = "/opt/deployers/shell.sh"

[challenges.web-intro]
name = "Web Intro"
description = "A warmup."
ttl = "30m"
deployer = "shell"
`

func TestLoadMinimalConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.Settings.WorkerCount, uint32(4); got != want {
		t.Errorf("WorkerCount = %d, want default %d", got, want)
	}
	if got, want := cfg.Settings.MaxConcurrentChallenges, uint32(3); got != want {
		t.Errorf("MaxConcurrentChallenges = %d, want default %d", got, want)
	}
	if got, want := cfg.Settings.RateLimitInterval, 2*time.Second; got != want {
		t.Errorf("RateLimitInterval = %s, want default %s", got, want)
	}
	if cfg.Settings.DeployTimeout != 0 {
		t.Errorf("DeployTimeout = %s, want 0 (unbounded)", cfg.Settings.DeployTimeout)
	}

	ch, ok := cfg.Challenges["web-intro"]
	if !ok {
		t.Fatal("challenge web-intro missing")
	}
	if ch.Deployer != "shell" {
		t.Errorf("Deployer = %q, want %q", ch.Deployer, "shell")
	}
	if !strings.Contains(cfg.Messages.StartSuccess, "%s") {
		t.Errorf("StartSuccess default %q should contain a %%s verb", cfg.Messages.StartSuccess)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		contents string
		wantSub  string
	}{
		"missing session secret": {
			contents: `
[database]
file_path = "x.db"
`,
			wantSub: "session_secret",
		},
		"zero workers": {
			contents: `
[settings]
session_secret = "s"
worker_count = 0

[database]
file_path = "x.db"
`,
			wantSub: "worker_count",
		},
		"bad ttl": {
			contents: `
[settings]
session_secret = "s"

[database]
file_path = "x.db"

[challenges.c]
name = "C"
ttl = "07m"
deployer = "d"
`,
			wantSub: "ttl",
		},
		"missing database path": {
			contents: `
[settings]
session_secret = "s"
`,
			wantSub: "file_path",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeConfig(t, tc.contents))
			if err == nil {
				t.Fatal("Load should fail for invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q should mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestParseTTL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in      string
		want    uint32
		wantErr bool
	}{
		"seconds":         {in: "45s", want: 45},
		"minutes":         {in: "30m", want: 1800},
		"hours":           {in: "2h", want: 7200},
		"days":            {in: "1d", want: 86400},
		"leading zero":    {in: "045s", wantErr: true},
		"zero":            {in: "0s", wantErr: true},
		"no unit":         {in: "45", wantErr: true},
		"unknown unit":    {in: "45w", wantErr: true},
		"empty":           {in: "", wantErr: true},
		"negative":        {in: "-45s", wantErr: true},
		"trailing chars":  {in: "45s ", wantErr: true},
		"unit then count": {in: "s45", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTTL(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrBadTTL) {
					t.Fatalf("ParseTTL(%q) error = %v, want ErrBadTTL", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTTL(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseTTL(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}
