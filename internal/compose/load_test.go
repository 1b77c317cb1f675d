package compose

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeCompose(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "docker-compose.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadContainerNames(t *testing.T) {
	p := writeCompose(t, `
services:
  web:
    image: nginx:1.27
  db:
    image: postgres:16
    container_name: primary-db
`)
	project, err := Load(context.Background(), p, "stack")
	if err != nil {
		t.Fatal(err)
	}
	if project.Name != "stack" {
		t.Errorf("project name = %q, want stack", project.Name)
	}

	names := ContainerNames(project)
	want := []string{"primary-db", "stack-web-1"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v", names, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), "stack"); err == nil {
		t.Fatal("want error for missing compose file")
	}
}

func TestLoadNoServices(t *testing.T) {
	p := writeCompose(t, "services: {}\n")
	if _, err := Load(context.Background(), p, "stack"); err == nil {
		t.Fatal("want error for compose file without services")
	}
}
