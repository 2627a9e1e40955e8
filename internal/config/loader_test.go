package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml",
		"addr: :9999\nmodels_dir: /tmp/models\nrecipes_dir: /tmp/recipes\nengine_sockets:\n  - /run/podman/podman.sock\nreconcile_seconds: 15\ngpu: true\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp/models" || cfg.RecipesDir != "/tmp/recipes" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.EngineSockets) != 1 || cfg.EngineSockets[0] != "/run/podman/podman.sock" {
		t.Fatalf("sockets: %v", cfg.EngineSockets)
	}
	if cfg.ReconcileSeconds != 15 || !cfg.GPU {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json",
		`{"addr":":7070","models_dir":"/m","engine_sockets":["/a.sock","/b.sock"],"ready_timeout_seconds":120}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || len(cfg.EngineSockets) != 2 || cfg.ReadyTimeoutSeconds != 120 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml",
		"addr=\":8081\"\nmodels_dir=\"/x\"\nrecipes_dir=\"/r\"\nreconcile_seconds=30\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.RecipesDir != "/r" || cfg.ReconcileSeconds != 30 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, d, "bad.yaml", ":\n  - not valid yaml: [")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}
