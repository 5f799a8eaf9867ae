package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Repository describes one registered repository in the manifest.
type Repository struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Root          string `yaml:"root"`
	DefaultBranch string `yaml:"default_branch,omitempty"`
	RemoteURL     string `yaml:"remote_url,omitempty"`
}

// repoManifest is the on-disk shape of repos.yaml.
type repoManifest struct {
	SchemaVersion int          `yaml:"schema_version"`
	Repositories  []Repository `yaml:"repositories"`
}

// Manifest holds the registered repositories, keyed by id.
type Manifest struct {
	repos map[string]Repository
	mu    sync.RWMutex
}

// LoadManifest reads <projectDir>/.hatch/repos.yaml. A missing file yields an
// empty manifest, not an error: repositories can be registered later.
func LoadManifest(inputProjectDir string) (*Manifest, error) {
	m := &Manifest{repos: make(map[string]Repository)}

	path := filepath.Join(inputProjectDir, ProjectConfigDir, "repos.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repo manifest %s: %w", path, err)
	}

	var manifest repoManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse repo manifest %s: %w", path, err)
	}

	for i := range manifest.Repositories {
		repo := manifest.Repositories[i]
		if repo.ID == "" {
			return nil, fmt.Errorf("repo manifest entry %d has no id", i)
		}
		if repo.Root == "" {
			return nil, fmt.Errorf("repo %q has no root path", repo.ID)
		}
		if !filepath.IsAbs(repo.Root) {
			repo.Root = filepath.Join(inputProjectDir, repo.Root)
		}
		if repo.DefaultBranch == "" {
			repo.DefaultBranch = DefaultBaseBranch
		}
		if _, exists := m.repos[repo.ID]; exists {
			return nil, fmt.Errorf("duplicate repo id %q in manifest", repo.ID)
		}
		m.repos[repo.ID] = repo
	}

	return m, nil
}

// Get returns the repository with the given id.
func (m *Manifest) Get(id string) (Repository, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repo, ok := m.repos[id]
	return repo, ok
}

// List returns all registered repositories ordered by id.
func (m *Manifest) List() []Repository {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repos := make([]Repository, 0, len(m.repos))
	for _, repo := range m.repos {
		repos = append(repos, repo)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].ID < repos[j].ID })
	return repos
}

// Register adds a repository at runtime. It does not persist to repos.yaml;
// the manifest file is user-managed.
func (m *Manifest) Register(repo Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if repo.ID == "" {
		return fmt.Errorf("repo id cannot be empty")
	}
	if repo.Root == "" {
		return fmt.Errorf("repo %q has no root path", repo.ID)
	}
	if _, exists := m.repos[repo.ID]; exists {
		return fmt.Errorf("repo id %q already registered", repo.ID)
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = DefaultBaseBranch
	}
	m.repos[repo.ID] = repo
	return nil
}
