// Package config loads and validates the controller's YAML configuration
// (spec §6). It binds the document to a typed schema, rejects unknown
// top-level keys, and substitutes ${VAR} environment references before
// parsing — the reimplementation-note in spec §9 ("bind the document to a
// typed schema at startup... rejecting unknown top-level keys").
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackwatch/stackwatch/internal/errs"
)

// Config is the top-level configuration (spec §6).
type Config struct {
	Version string `yaml:"version"`
	REST    REST   `yaml:"rest"`
	Main    Main   `yaml:"main"`
}

// REST describes the OpenAPI document served at the health HTTP surface.
type REST struct {
	Version  string `yaml:"version"`
	Location string `yaml:"location"`
}

// Main holds the reconciler's operating parameters.
type Main struct {
	LogLevel                string          `yaml:"log_level"`
	Host                    string          `yaml:"host"`
	Port                    int             `yaml:"port"`
	SyncedViaTags           bool            `yaml:"synced_via_tags"`
	WatchedGitRepositories  []GitRepository `yaml:"watched_git_repositories"`
	DockerPrivateRegistries []Registry      `yaml:"docker_private_registries"`
	DockerStackRecipe       Recipe          `yaml:"docker_stack_recipe"`
	Portainer               []Orchestrator  `yaml:"portainer"`
	PollingInterval         int             `yaml:"polling_interval"`
	Notifications           []Notification  `yaml:"notifications"`
}

// GitRepository is a watched source repository (spec §3 "Watched repository").
type GitRepository struct {
	ID       string   `yaml:"id"`
	URL      string   `yaml:"url"`
	Branch   string   `yaml:"branch"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Tags     *Pattern `yaml:"tags"`
	Paths    []string `yaml:"paths"`
}

// Pattern wraps a compiled regular expression so invalid patterns fail at
// config-load time rather than at first use.
type Pattern struct {
	Source   string
	Compiled *regexp.Regexp
}

func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	re, err := regexp.Compile(s)
	if err != nil {
		return fmt.Errorf("invalid tags pattern %q: %w", s, err)
	}
	p.Source = s
	p.Compiled = re
	return nil
}

// Registry is a container image registry (spec §3 "Registry").
type Registry struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WorkdirKind distinguishes the two ways a recipe's working directory can
// be specified (spec §3 "Recipe": "either the id of a repo... or the
// sentinel 'temporary'"). This is a tagged sum type, not a bare string
// (spec §9 "Tagged variants, not ad-hoc strings").
type WorkdirKind int

const (
	WorkdirRepo WorkdirKind = iota
	WorkdirTemporary
)

// WorkdirSpec is the recipe's working-directory selector.
type WorkdirSpec struct {
	Kind   WorkdirKind
	RepoID string // meaningful only when Kind == WorkdirRepo
}

const temporarySentinel = "temporary"

func (w *WorkdirSpec) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == temporarySentinel {
		w.Kind = WorkdirTemporary
		return nil
	}
	w.Kind = WorkdirRepo
	w.RepoID = s
	return nil
}

// RecipeFile is one (source-repo-id, relative-paths) staging instruction.
type RecipeFile struct {
	ID    string   `yaml:"id"`
	Paths []string `yaml:"paths"`
}

// Recipe is the user-authored procedure that turns source working copies
// into a stack descriptor (spec §3 "Recipe", §4.3).
type Recipe struct {
	Files            []RecipeFile   `yaml:"files"`
	Workdir          WorkdirSpec    `yaml:"workdir"`
	Command          string         `yaml:"command"`
	StackFile        string         `yaml:"stack_file"`
	ExcludedServices []string       `yaml:"excluded_services"`
	ExcludedVolumes  []string       `yaml:"excluded_volumes"`
	AdditionalParams map[string]any `yaml:"additional_parameters"`
	ServicesPrefix   string         `yaml:"services_prefix"`
}

// Orchestrator is one configured Portainer-style instance (spec §4.4).
type Orchestrator struct {
	URL        string `yaml:"url"`
	EndpointID int    `yaml:"endpoint_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	StackName  string `yaml:"stack_name"`
}

// NotificationService is a tagged variant over the recognized notification
// backends (spec §6: "service is mattermost (the only recognized kind
// today — unknown values are skipped with a warning)").
type NotificationService int

const (
	ServiceUnknown NotificationService = iota
	ServiceMattermost
)

func (s *NotificationService) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch raw {
	case "mattermost":
		*s = ServiceMattermost
	default:
		*s = ServiceUnknown
	}
	return nil
}

func (s NotificationService) String() string {
	if s == ServiceMattermost {
		return "mattermost"
	}
	return "unknown"
}

// Notification is one configured outbound webhook notification.
type Notification struct {
	Service          NotificationService `yaml:"service"`
	URL              string              `yaml:"url"`
	Message          string              `yaml:"message"`
	Enabled          bool                `yaml:"enabled"`
	ChannelID        string              `yaml:"channel_id"`
	PersonalToken    string              `yaml:"personal_token"`
	HeaderUniqueName string              `yaml:"header_unique_name"`
}

// Load reads, substitutes environment variables into, parses, defaults,
// and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "read config: %w", err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "expand config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "validate config: %w", err)
	}

	return cfg, nil
}

// expandEnv substitutes ${VAR} tokens from the process environment.
// A missing substitution is fatal at startup (spec §6).
func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	expanded := os.Expand(string(data), func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return v
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing environment variables: %v", missing)
	}
	return []byte(expanded), nil
}

func (c *Config) setDefaults() {
	if c.Main.Port == 0 {
		c.Main.Port = 8080
	}
	if c.Main.Host == "" {
		c.Main.Host = "0.0.0.0"
	}
	if c.Main.LogLevel == "" {
		c.Main.LogLevel = "INFO"
	}
}

func (c *Config) validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("version: must be \"1.0\", got %q", c.Version)
	}
	switch c.Main.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("main.log_level: invalid %q", c.Main.LogLevel)
	}
	if c.Main.PollingInterval < 1 {
		return fmt.Errorf("main.polling_interval: must be >= 1, got %d", c.Main.PollingInterval)
	}

	repoIDs := make(map[string]bool, len(c.Main.WatchedGitRepositories))
	for i, repo := range c.Main.WatchedGitRepositories {
		if repo.ID == "" {
			return fmt.Errorf("main.watched_git_repositories[%d]: id is required", i)
		}
		if repoIDs[repo.ID] {
			return fmt.Errorf("main.watched_git_repositories[%d]: duplicate id %q", i, repo.ID)
		}
		repoIDs[repo.ID] = true
		if repo.URL == "" {
			return fmt.Errorf("main.watched_git_repositories[%d] %q: url is required", i, repo.ID)
		}
	}

	recipe := c.Main.DockerStackRecipe
	for i, f := range recipe.Files {
		if !repoIDs[f.ID] {
			return fmt.Errorf("main.docker_stack_recipe.files[%d]: unknown repo id %q", i, f.ID)
		}
	}
	if recipe.Workdir.Kind == WorkdirRepo && !repoIDs[recipe.Workdir.RepoID] {
		return fmt.Errorf("main.docker_stack_recipe.workdir: unknown repo id %q", recipe.Workdir.RepoID)
	}
	if recipe.StackFile == "" {
		return fmt.Errorf("main.docker_stack_recipe.stack_file is required")
	}

	for i, p := range c.Main.Portainer {
		if p.URL == "" {
			return fmt.Errorf("main.portainer[%d]: url is required", i)
		}
		if p.StackName == "" {
			return fmt.Errorf("main.portainer[%d]: stack_name is required", i)
		}
	}

	return nil
}

// PollingInterval returns the configured polling interval as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.Main.PollingInterval) * time.Second
}
