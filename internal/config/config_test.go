package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: "1.0"
rest:
  version: "1.0"
  location: /openapi.yaml
main:
  log_level: INFO
  host: 0.0.0.0
  port: 8080
  synced_via_tags: true
  watched_git_repositories:
    - id: app
      url: https://example.invalid/app.git
      branch: main
      tags: '^v\d+\.\d+\.\d+$'
      paths:
        - docker-compose.yml
  docker_private_registries:
    - url: https://registry.invalid
  docker_stack_recipe:
    files:
      - id: app
        paths: [docker-compose.yml]
    workdir: temporary
    command: "cp docker-compose.yml stack.yml"
    stack_file: stack.yml
    excluded_services: [debug]
    excluded_volumes: []
    additional_parameters:
      environment:
        FOO: bar
    services_prefix: stg
  portainer:
    - url: https://portainer.invalid
      endpoint_id: -1
      username: admin
      password: ${PORTAINER_PASSWORD}
      stack_name: deployment-agent
  polling_interval: 30
  notifications:
    - service: mattermost
      url: https://chat.invalid/hooks/abc
      message: deployed
      enabled: true
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("PORTAINER_PASSWORD", "secret")
	path := writeTempConfig(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "app", cfg.Main.WatchedGitRepositories[0].ID)
	assert.Equal(t, WorkdirTemporary, cfg.Main.DockerStackRecipe.Workdir.Kind)
	assert.Equal(t, "secret", cfg.Main.Portainer[0].Password)
	assert.Equal(t, ServiceMattermost, cfg.Main.Notifications[0].Service)
	require.NotNil(t, cfg.Main.WatchedGitRepositories[0].Tags)
	assert.True(t, cfg.Main.WatchedGitRepositories[0].Tags.Compiled.MatchString("v1.2.3"))
}

func TestLoadMissingEnvVarIsFatal(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing environment variables")
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	t.Setenv("PORTAINER_PASSWORD", "secret")
	path := writeTempConfig(t, validYAML+"\nbogus_top_level: true\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadVersion(t *testing.T) {
	t.Setenv("PORTAINER_PASSWORD", "secret")
	bad := "version: \"2.0\"\nmain:\n  polling_interval: 1\n  docker_stack_recipe:\n    stack_file: x.yml\n"
	path := writeTempConfig(t, bad)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestLoadRejectsUnknownRecipeRepoID(t *testing.T) {
	t.Setenv("PORTAINER_PASSWORD", "secret")
	bad := `
version: "1.0"
main:
  polling_interval: 1
  docker_stack_recipe:
    files:
      - id: nope
        paths: [a.yml]
    workdir: temporary
    stack_file: stack.yml
`
	path := writeTempConfig(t, bad)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown repo id")
}
