package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "" || len(cfg.Containers) != 0 {
		t.Errorf("missing file should load as empty config, got %+v", cfg)
	}
}

func TestLoadFull(t *testing.T) {
	p := writeConfig(t, `
data-root: /srv/vigil
interval: 45s
auto-restore: true
containers:
  - name: web
    interval: 10s
    auto-restore: false
    exclude: ["app/cache"]
  - name: db
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "/srv/vigil" {
		t.Errorf("data-root = %q", cfg.DataRoot)
	}
	if time.Duration(cfg.Interval) != 45*time.Second {
		t.Errorf("interval = %s, want 45s", time.Duration(cfg.Interval))
	}

	if got := cfg.IntervalFor("web"); got != 10*time.Second {
		t.Errorf("IntervalFor(web) = %s, want the per-container 10s", got)
	}
	if got := cfg.IntervalFor("db"); got != 45*time.Second {
		t.Errorf("IntervalFor(db) = %s, want the global 45s", got)
	}

	if cfg.AutoRestoreFor("web") {
		t.Error("web opts out of the global auto-restore")
	}
	if !cfg.AutoRestoreFor("db") {
		t.Error("db inherits the global auto-restore")
	}
}

func TestLoadBadDuration(t *testing.T) {
	p := writeConfig(t, "interval: soon\n")
	if _, err := Load(p); err == nil {
		t.Fatal("want parse error for bad duration")
	}
}

func TestExcludeFor(t *testing.T) {
	cfg := &Config{
		Containers: []Container{{Name: "web", Exclude: []string{"app/cache"}}},
	}

	web := cfg.ExcludeFor("web")
	if !slices.Contains(web, "proc") {
		t.Error("default exclusions should apply")
	}
	if !slices.Contains(web, "app/cache") {
		t.Error("per-container exclusions should extend the set")
	}
	if slices.Contains(cfg.ExcludeFor("db"), "app/cache") {
		t.Error("per-container exclusions must not leak to other containers")
	}

	// A non-empty global list replaces the defaults entirely.
	cfg.Exclude = []string{"only/this"}
	if got := cfg.ExcludeFor("db"); len(got) != 1 || got[0] != "only/this" {
		t.Errorf("global override = %v, want [only/this]", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "vigil.yaml")
	f := false
	cfg := &Config{
		DataRoot: "/srv/vigil",
		Interval: Duration(45 * time.Second),
		Containers: []Container{
			{Name: "web", Interval: Duration(10 * time.Second), AutoRestore: &f},
		},
	}
	if err := cfg.Save(p); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DataRoot != cfg.DataRoot {
		t.Errorf("data-root = %q, want %q", loaded.DataRoot, cfg.DataRoot)
	}
	if got := loaded.IntervalFor("web"); got != 10*time.Second {
		t.Errorf("IntervalFor(web) = %s, want 10s", got)
	}
	if loaded.AutoRestoreFor("web") {
		t.Error("saved auto-restore override lost")
	}
}

func TestPathRespectsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/etc/xdg-test")
	want := filepath.Join("/etc/xdg-test", "vigil", "vigil.yaml")
	if got := Path(); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}
