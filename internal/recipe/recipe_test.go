package recipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/internal/config"
)

type stubProvider struct {
	dirs map[string]string
}

func (s stubProvider) Dir(repoID string) string { return s.dirs[repoID] }

func setupRepo(t *testing.T, content string) stubProvider {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte(content), 0o644))
	return stubProvider{dirs: map[string]string{"app": dir}}
}

const composeFixture = `
services:
  web:
    image: nginx:latest
    depends_on: [api]
  api:
    image: api:latest
  webclient:
    image: client:latest
volumes:
  data: {}
  scratch: {}
`

func TestRunIsIdempotent(t *testing.T) {
	provider := setupRepo(t, composeFixture)
	r := config.Recipe{
		Files:          []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:        config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile:      "docker-compose.yml",
		ServicesPrefix: "stg",
	}

	e := New(provider, t.TempDir())
	res1, err := e.Run(context.Background(), r)
	require.NoError(t, err)
	res2, err := e.Run(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, res1.Bytes, res2.Bytes)
}

func TestExcludedServiceNeverAppearsAndDependsOnIsPruned(t *testing.T) {
	provider := setupRepo(t, composeFixture)
	r := config.Recipe{
		Files:            []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:          config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile:        "docker-compose.yml",
		ServicesPrefix:   "stg",
		ExcludedServices: []string{"webclient", "api"},
	}

	e := New(provider, t.TempDir())
	res, err := e.Run(context.Background(), r)
	require.NoError(t, err)

	services := res.Document.Services()
	_, hasWebclient := services["stg_webclient"]
	_, hasAPI := services["stg_api"]
	assert.False(t, hasWebclient)
	assert.False(t, hasAPI)

	web := services["stg_web"].(map[string]any)
	dep := web["depends_on"].([]any)
	assert.Empty(t, dep)
}

func TestExclusionMatchesOriginalNameNotPrefixedSuffix(t *testing.T) {
	fixture := `
services:
  web:
    image: nginx:latest
  sub_web:
    image: nginx:latest
`
	provider := setupRepo(t, fixture)
	r := config.Recipe{
		Files:            []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:          config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile:        "docker-compose.yml",
		ServicesPrefix:   "x",
		ExcludedServices: []string{"web"},
	}

	e := New(provider, t.TempDir())
	res, err := e.Run(context.Background(), r)
	require.NoError(t, err)

	services := res.Document.Services()
	_, hasWeb := services["x_web"]
	_, hasSubWeb := services["x_sub_web"]
	assert.False(t, hasWeb)
	assert.True(t, hasSubWeb, "sub_web must survive: only \"web\" was excluded, not any name ending in _web")
}

func TestExcludedVolumeRemovesBindMounts(t *testing.T) {
	fixture := `
services:
  web:
    image: nginx:latest
    volumes:
      - data:/var/data
      - scratch:/tmp/scratch
volumes:
  data: {}
  scratch: {}
`
	provider := setupRepo(t, fixture)
	r := config.Recipe{
		Files:           []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:         config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile:       "docker-compose.yml",
		ExcludedVolumes: []string{"scratch"},
	}

	e := New(provider, t.TempDir())
	res, err := e.Run(context.Background(), r)
	require.NoError(t, err)

	_, hasScratch := res.Document.Volumes()["scratch"]
	assert.False(t, hasScratch)

	web := res.Document.Services()["web"].(map[string]any)
	vols := web["volumes"].([]any)
	assert.Len(t, vols, 1)
	assert.Equal(t, "data:/var/data", vols[0])
}

func TestPrefixIsInjective(t *testing.T) {
	provider := setupRepo(t, composeFixture)
	r := config.Recipe{
		Files:          []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:        config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile:      "docker-compose.yml",
		ServicesPrefix: "stg",
	}
	e := New(provider, t.TempDir())
	res, err := e.Run(context.Background(), r)
	require.NoError(t, err)

	seen := map[string]bool{}
	for name := range res.Document.Services() {
		assert.False(t, seen[name], "duplicate prefixed name %q", name)
		seen[name] = true
	}
}

func TestEmptyCommandReadsStagedStackFileDirectly(t *testing.T) {
	provider := setupRepo(t, composeFixture)
	r := config.Recipe{
		Files:     []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:   config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile: "docker-compose.yml",
	}
	e := New(provider, t.TempDir())
	_, err := e.Run(context.Background(), r)
	require.NoError(t, err)
}

func TestCommandFailureAbortsCycle(t *testing.T) {
	provider := setupRepo(t, composeFixture)
	r := config.Recipe{
		Files:     []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:   config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile: "docker-compose.yml",
		Command:   "exit 3",
	}
	e := New(provider, t.TempDir())
	_, err := e.Run(context.Background(), r)
	require.Error(t, err)
}

func TestTemporaryWorkdirIsFreshEachRun(t *testing.T) {
	provider := setupRepo(t, composeFixture)
	r := config.Recipe{
		Files:     []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:   config.WorkdirSpec{Kind: config.WorkdirTemporary},
		StackFile: "docker-compose.yml",
		Command:   "touch leftover.txt",
	}
	e := New(provider, t.TempDir())
	_, err := e.Run(context.Background(), r)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(e.ScratchBase, "scratch"))
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dirs are cleaned up after use")
}

func TestMergeAdditionalParametersOverlayWinsOnMaps(t *testing.T) {
	fixture := `
services:
  web:
    image: nginx:latest
    environment:
      FOO: original
      KEEP: me
`
	provider := setupRepo(t, fixture)
	r := config.Recipe{
		Files:     []config.RecipeFile{{ID: "app", Paths: []string{"docker-compose.yml"}}},
		Workdir:   config.WorkdirSpec{Kind: config.WorkdirRepo, RepoID: "app"},
		StackFile: "docker-compose.yml",
		AdditionalParams: map[string]any{
			"environment": map[string]any{"FOO": "overridden"},
		},
	}
	e := New(provider, t.TempDir())
	res, err := e.Run(context.Background(), r)
	require.NoError(t, err)

	web := res.Document.Services()["web"].(map[string]any)
	env := web["environment"].(map[string]any)
	assert.Equal(t, "overridden", env["FOO"])
	assert.Equal(t, "me", env["KEEP"])
}
