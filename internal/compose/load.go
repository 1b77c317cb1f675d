// Package compose resolves the container set of a Docker Compose project
// so an entire stack can be monitored with one flag.
package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
)

// Load parses a Docker Compose file into a compose Project. An empty
// project name is derived from the file's directory, matching the compose
// CLI's behavior.
func Load(ctx context.Context, path, project string) (*compose.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}

	name := strings.TrimSpace(project)
	if name == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve compose path: %w", err)
		}
		name = filepath.Base(filepath.Dir(abs))
	}

	configDetails := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{
			{Filename: filepath.Base(path), Content: data},
		},
	}
	p, err := loader.LoadWithContext(ctx, configDetails, func(o *loader.Options) {
		o.SetProjectName(name, true)
	})
	if err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(p.Services) == 0 {
		return nil, fmt.Errorf("compose file has no services")
	}
	return p, nil
}

// ContainerNames returns the runtime container name of every service in
// the project, sorted: the explicit container_name when set, otherwise
// the compose default <project>-<service>-1.
func ContainerNames(p *compose.Project) []string {
	out := make([]string, 0, len(p.Services))
	for name, svc := range p.Services {
		if strings.TrimSpace(svc.ContainerName) != "" {
			out = append(out, svc.ContainerName)
			continue
		}
		out = append(out, fmt.Sprintf("%s-%s-1", p.Name, name))
	}
	sort.Strings(out)
	return out
}
