package cmdutil

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"vigil/config"
)

func TestExitErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Exit(2, cause)

	var exit *ExitError
	if !errors.As(err, &exit) {
		t.Fatal("Exit should produce an ExitError")
	}
	if exit.Code != 2 {
		t.Errorf("code = %d, want 2", exit.Code)
	}
	if !errors.Is(err, cause) {
		t.Error("ExitError should unwrap to its cause")
	}
	if Exit(1, nil).Error() == "" {
		t.Error("nil-cause ExitError still needs an error string")
	}
}

func TestFlagsLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vigil.yaml")
	if err := os.WriteFile(cfgPath, []byte("data-root: /from/config\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	f := &Flags{ConfigPath: cfgPath}
	cfg, err := f.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "/from/config" {
		t.Errorf("data root = %q, want config value", cfg.DataRoot)
	}

	f.DataRoot = "/from/flag"
	cfg, err = f.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "/from/flag" {
		t.Errorf("data root = %q, flag must win over config", cfg.DataRoot)
	}
}

func TestRulesMergesExclusions(t *testing.T) {
	cfg := &config.Config{
		Containers: []config.Container{{Name: "web", Exclude: []string{"app/cache"}}},
	}

	rules := Rules(cfg, "web", []string{"*.pid"})
	for _, want := range []string{"proc", "app/cache", "*.pid"} {
		if !slices.Contains(rules.Exclude, want) {
			t.Errorf("rules missing %q: %v", want, rules.Exclude)
		}
	}
}
