package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pmteam/internal/domain"
	"pmteam/internal/fsutil"
)

// PersistRun writes the artifacts of result into a new run directory of
// project and returns its path. plan.json, release.json and manifest.json are
// required; a failure on any of them removes the directory and leaves the run
// counter untouched. Other artifacts are best effort. raw maps an autogen role
// to its raw text. When maxRuns > 0 the oldest run directories beyond that
// count are removed.
func (r *Repo) PersistRun(result domain.RunResult, raw map[string]string, initiative, project string, maxRuns int) (string, error) {
	proj, err := r.EnsureProject(project)
	if err != nil {
		return "", err
	}
	projDir := r.ProjectDir(proj.Slug)
	runDir, err := r.createRunDir(projDir, initiative)
	if err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	log := r.log().With("project", proj.Slug, "run", filepath.Base(runDir))

	fail := func(step string, err error) (string, error) {
		if rmErr := os.RemoveAll(runDir); rmErr != nil {
			log.Warn("remove incomplete run", "err", rmErr)
		}
		return "", fmt.Errorf("%s: %w", step, err)
	}
	if err := fsutil.WriteJSON(filepath.Join(runDir, PlanFile), result.Plan); err != nil {
		return fail("write plan", err)
	}
	if err := fsutil.WriteJSON(filepath.Join(runDir, ReleaseFile), result.Release); err != nil {
		return fail("write release", err)
	}

	optional := func(name string, write func(path string) error) {
		if err := write(filepath.Join(runDir, name)); err != nil {
			log.Warn("optional artifact not written", "file", name, "err", err)
		}
	}
	if len(result.Metrics) > 0 {
		optional(MetricsFile, func(p string) error { return fsutil.WriteJSON(p, result.Metrics) })
	}
	optional(RiskFile, func(p string) error {
		return os.WriteFile(p, []byte(strconv.Itoa(result.AggregateRiskScore)), 0o644)
	})
	if result.StakeholderSummary != "" {
		optional(SummaryFile, func(p string) error { return os.WriteFile(p, []byte(result.StakeholderSummary), 0o644) })
	}
	if len(result.Plan.Blockers) > 0 {
		optional(BlockersFile, func(p string) error {
			return os.WriteFile(p, []byte(strings.Join(result.Plan.Blockers, "\n")), 0o644)
		})
	}
	if len(raw) > 0 {
		if err := os.MkdirAll(filepath.Join(runDir, AutogenDir), 0o755); err != nil {
			log.Warn("autogen dir", "err", err)
		} else {
			for role, text := range raw {
				optional(filepath.Join(AutogenDir, domain.Slug(role, 0, "role")+"_raw.txt"), func(p string) error {
					return os.WriteFile(p, []byte(text), 0o644)
				})
			}
		}
	}

	files, err := listFiles(runDir)
	if err != nil {
		return fail("list artifacts", err)
	}
	manifest := domain.Manifest{
		Initiative: initiative,
		CreatedAt:  r.now().UTC().Format(time.RFC3339Nano),
		Project:    proj.Name,
		Files:      files,
	}
	if err := fsutil.WriteJSON(filepath.Join(runDir, ManifestFile), manifest); err != nil {
		return fail("write manifest", err)
	}
	r.cache().Add(runDir, manifest)

	if _, err := r.IncrementRuns(proj.Name); err != nil {
		log.Warn("run counter not updated", "err", err)
	}
	if maxRuns > 0 {
		r.prune(projDir, maxRuns)
	}
	return runDir, nil
}

// createRunDir makes <stamp>_<slug>, adding -NN when a run in the same second
// already took the name.
func (r *Repo) createRunDir(projDir, initiative string) (string, error) {
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		return "", err
	}
	base := r.now().UTC().Format(runStamp) + "_" + domain.Slug(initiative, maxInitiativeLen, "run")
	name := base
	for i := 2; ; i++ {
		dir := filepath.Join(projDir, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) || i > 99 {
			return "", err
		}
		name = fmt.Sprintf("%s-%02d", base, i)
	}
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := []string{}
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() != ManifestFile {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func runDirNames(projDir string) ([]string, error) {
	entries, err := os.ReadDir(projDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && runDirPattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// prune removes the oldest run directories so that keep remain. A directory
// that cannot be removed is logged and skipped.
func (r *Repo) prune(projDir string, keep int) {
	names, err := runDirNames(projDir)
	if err != nil {
		r.log().Warn("list runs for pruning", "dir", projDir, "err", err)
		return
	}
	excess := len(names) - keep
	for i := 0; i < excess; i++ {
		dir := filepath.Join(projDir, names[i])
		if err := r.remove(dir); err != nil {
			r.log().Warn("prune run", "dir", dir, "err", err)
			continue
		}
		r.cache().Remove(dir)
	}
}

// ListRuns returns the runs of a project that have a manifest, newest first.
func (r *Repo) ListRuns(slug string) ([]domain.Run, error) {
	projDir := r.ProjectDir(slug)
	names, err := runDirNames(projDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, slug)
		}
		return nil, err
	}
	out := []domain.Run{}
	for i := len(names) - 1; i >= 0; i-- {
		dir := filepath.Join(projDir, names[i])
		m, err := r.Manifest(dir)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		run := domain.Run{ID: names[i]}
		if err == nil {
			run.Initiative = m.Initiative
			run.CreatedAt = m.CreatedAt
		}
		out = append(out, run)
	}
	return out, nil
}

// LatestRun returns the newest valid run of a project.
func (r *Repo) LatestRun(slug string) (string, error) {
	runs, err := r.ListRuns(slug)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("%w: no runs in project %s", ErrNotFound, slug)
	}
	return filepath.Join(r.ProjectDir(slug), runs[0].ID), nil
}

// Manifest reads the manifest of a run directory. Manifests never change after
// persist, so they are cached.
func (r *Repo) Manifest(runDir string) (domain.Manifest, error) {
	if m, ok := r.cache().Get(runDir); ok {
		return m, nil
	}
	data, err := os.ReadFile(filepath.Join(runDir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Manifest{}, fmt.Errorf("%w: manifest in %s", ErrNotFound, runDir)
		}
		return domain.Manifest{}, err
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("manifest %s: %w", runDir, err)
	}
	r.cache().Add(runDir, m)
	return m, nil
}

// RunDir resolves a run id inside a project.
func (r *Repo) RunDir(slug, id string) (string, error) {
	if !safeName(slug) || !safeName(id) {
		return "", fmt.Errorf("%w: run %s/%s", ErrInvalid, slug, id)
	}
	dir := filepath.Join(r.ProjectDir(slug), id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: run %s/%s", ErrNotFound, slug, id)
	}
	return dir, nil
}

// ReadArtifact returns one top-level file of a run.
func (r *Repo) ReadArtifact(slug, id, name string) ([]byte, error) {
	if !safeName(name) {
		return nil, fmt.Errorf("%w: artifact %q", ErrInvalid, name)
	}
	dir, err := r.RunDir(slug, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, name)
		}
		return nil, err
	}
	return data, nil
}

func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
