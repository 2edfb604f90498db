package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pmteam/internal/domain"
	"pmteam/internal/fsutil"
	"pmteam/internal/logging"
)

const (
	ProjectFile      = "project.json"
	ManifestFile     = "manifest.json"
	PlanFile         = "plan.json"
	ReleaseFile      = "release.json"
	MetricsFile      = "metrics.json"
	RiskFile         = "aggregate_risk.txt"
	SummaryFile      = "stakeholder_summary.txt"
	BlockersFile     = "blockers.txt"
	ConversationFile = "conversation.json"
	AutogenDir       = "autogen"

	runStamp         = "20060102_150405"
	maxInitiativeLen = 60
)

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrSlugCollision = errors.New("slug already used by another project")
	ErrInvalid       = errors.New("invalid name")
	ErrCorrupt       = errors.New("corrupt project metadata")
)

var runDirPattern = regexp.MustCompile(`^\d{8}_\d{6}_`)

// Repo stores projects and runs as plain files under Root:
//
//	<root>/<project slug>/project.json
//	<root>/<project slug>/audit_log.jsonl
//	<root>/<project slug>/<YYYYMMDD_HHMMSS>_<initiative slug>/...
//
// Run directory names sort chronologically. Nothing is locked; concurrent
// writers to one project may race on project.json.
type Repo struct {
	Root   string
	Now    func() time.Time
	Logger *slog.Logger

	manifests *lru.Cache[string, domain.Manifest]
	removeAll func(path string) error
}

const manifestCacheSize = 512

func New(root string, logger *slog.Logger) *Repo {
	cache, _ := lru.New[string, domain.Manifest](manifestCacheSize)
	return &Repo{Root: root, Now: time.Now, Logger: logging.OrDiscard(logger), manifests: cache}
}

func (r *Repo) cache() *lru.Cache[string, domain.Manifest] {
	if r.manifests == nil {
		r.manifests, _ = lru.New[string, domain.Manifest](manifestCacheSize)
	}
	return r.manifests
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Repo) remove(path string) error {
	if r.removeAll != nil {
		return r.removeAll(path)
	}
	return os.RemoveAll(path)
}

func (r *Repo) log() *slog.Logger {
	return logging.OrDiscard(r.Logger)
}

// ProjectDir returns the directory for a project slug.
func (r *Repo) ProjectDir(slug string) string {
	return filepath.Join(r.Root, slug)
}

// AuditPath returns the audit log path of a project.
func (r *Repo) AuditPath(slug, fileName string) string {
	return filepath.Join(r.ProjectDir(slug), fileName)
}

func (r *Repo) readProject(slug string) (domain.Project, error) {
	if !safeName(slug) {
		return domain.Project{}, fmt.Errorf("%w: project %q", ErrNotFound, slug)
	}
	data, err := os.ReadFile(filepath.Join(r.ProjectDir(slug), ProjectFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Project{}, fmt.Errorf("%w: project %s", ErrNotFound, slug)
		}
		return domain.Project{}, err
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Project{}, fmt.Errorf("%w: project %s: %v", ErrCorrupt, slug, err)
	}
	return p, nil
}

func (r *Repo) writeProject(p domain.Project) error {
	if err := os.MkdirAll(r.ProjectDir(p.Slug), 0o755); err != nil {
		return err
	}
	return fsutil.WriteJSON(filepath.Join(r.ProjectDir(p.Slug), ProjectFile), p)
}

// CreateProject registers a new project. It fails with ErrExists when the
// project is already there and with ErrSlugCollision when a project with a
// different name maps to the same slug.
func (r *Repo) CreateProject(name string, metadata map[string]any) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, fmt.Errorf("%w: project name is required", ErrInvalid)
	}
	slug := domain.ProjectSlug(name)
	existing, err := r.readProject(slug)
	switch {
	case err == nil && existing.Name == name:
		return domain.Project{}, fmt.Errorf("%w: project %s", ErrExists, slug)
	case err == nil:
		return domain.Project{}, fmt.Errorf("%w: %q and %q both map to %s", ErrSlugCollision, existing.Name, name, slug)
	case !errors.Is(err, ErrNotFound):
		return domain.Project{}, err
	}
	p := domain.Project{
		Name:      name,
		Slug:      slug,
		CreatedAt: r.now().UTC().Format(time.RFC3339Nano),
		Metadata:  metadata,
	}
	if err := r.writeProject(p); err != nil {
		return domain.Project{}, fmt.Errorf("write project: %w", err)
	}
	return p, nil
}

// EnsureProject returns the project for name, creating it when missing.
// Unreadable metadata is an ErrCorrupt error and is left on disk untouched.
func (r *Repo) EnsureProject(name string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	slug := domain.ProjectSlug(name)
	p, err := r.readProject(slug)
	if err == nil {
		if p.Name != name {
			return domain.Project{}, fmt.Errorf("%w: %q and %q both map to %s", ErrSlugCollision, p.Name, name, slug)
		}
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Project{}, err
	}
	p = domain.Project{Name: name, Slug: slug, CreatedAt: r.now().UTC().Format(time.RFC3339Nano)}
	if err := r.writeProject(p); err != nil {
		return domain.Project{}, fmt.Errorf("write project: %w", err)
	}
	return p, nil
}

func (r *Repo) GetProject(slug string) (domain.Project, error) {
	return r.readProject(slug)
}

// ListProjects returns every readable project, oldest first.
func (r *Repo) ListProjects() ([]domain.Project, error) {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.Project{}, nil
		}
		return nil, err
	}
	out := []domain.Project{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := r.readProject(e.Name())
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// IncrementRuns bumps the lifetime run counter of a project.
func (r *Repo) IncrementRuns(name string) (domain.Project, error) {
	p, err := r.EnsureProject(name)
	if err != nil {
		return domain.Project{}, err
	}
	p.Runs++
	if err := r.writeProject(p); err != nil {
		return domain.Project{}, fmt.Errorf("write project: %w", err)
	}
	return p, nil
}
