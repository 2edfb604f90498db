// Package planstore mutates the plan.json of a persisted run. Operations do a
// load, modify, atomic replace cycle without locking; concurrent mutations of
// the same run are last-write-wins and must be serialized by the caller.
package planstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pmteam/internal/domain"
	"pmteam/internal/fsutil"
)

const FileName = "plan.json"

var (
	ErrNotFound = errors.New("plan not found")
	ErrCorrupt  = errors.New("plan unreadable")
	ErrInvalid  = errors.New("invalid plan request")
)

// Store operates on run directories.
type Store struct {
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func Path(runDir string) string {
	return filepath.Join(runDir, FileName)
}

// Load reads plan.json. A missing file is ErrNotFound; a malformed one, or a
// document without a tasks list, is ErrCorrupt.
func (s Store) Load(runDir string) (domain.Plan, error) {
	data, err := os.ReadFile(Path(runDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Plan{}, fmt.Errorf("%w: %s", ErrNotFound, runDir)
		}
		return domain.Plan{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.Plan{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if fields == nil {
		return domain.Plan{}, fmt.Errorf("%w: %s is null", ErrCorrupt, FileName)
	}
	if _, ok := fields["tasks"]; !ok {
		return domain.Plan{}, fmt.Errorf("%w: %s has no tasks", ErrCorrupt, FileName)
	}
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return domain.Plan{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plan, nil
}

// Save stamps updated_at and replaces plan.json atomically.
func (s Store) Save(runDir string, plan *domain.Plan) error {
	plan.UpdatedAt = s.now().UTC().Format(time.RFC3339Nano)
	return fsutil.WriteJSON(Path(runDir), plan)
}

// AddBlockerTask appends a mitigation task for blocker and records it.
func (s Store) AddBlockerTask(runDir, blocker string) (domain.Plan, error) {
	blocker = strings.TrimSpace(blocker)
	if blocker == "" {
		return domain.Plan{}, fmt.Errorf("%w: blocker text is required", ErrInvalid)
	}
	plan, err := s.Load(runDir)
	if err != nil {
		return domain.Plan{}, err
	}
	plan.AddMitigation(blocker)
	if err := s.Save(runDir, &plan); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

// ReprioritizeTasks orders the requested ids first, skipping unknown ones and
// repeats, then the rest in their previous order. Priorities become 1..n.
func (s Store) ReprioritizeTasks(runDir string, orderedIDs []string) (domain.Plan, error) {
	if len(orderedIDs) == 0 {
		return domain.Plan{}, fmt.Errorf("%w: at least one task id is required", ErrInvalid)
	}
	plan, err := s.Load(runDir)
	if err != nil {
		return domain.Plan{}, err
	}
	Reprioritize(&plan, orderedIDs)
	if err := s.Save(runDir, &plan); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

// Reprioritize applies the ordering in memory.
func Reprioritize(plan *domain.Plan, orderedIDs []string) {
	rank := make(map[string]int, len(plan.Tasks))
	for _, id := range orderedIDs {
		if _, seen := rank[id]; seen || !plan.HasTask(id) {
			continue
		}
		rank[id] = len(rank) + 1
	}
	next := len(rank) + 1
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if r, ok := rank[t.ID]; ok {
			t.Priority = r
			continue
		}
		t.Priority = next
		next++
	}
	sort.SliceStable(plan.Tasks, func(i, j int) bool {
		return plan.Tasks[i].Priority < plan.Tasks[j].Priority
	})
}

// UpdateTaskStatuses sets status on matching tasks. The plan is written back
// only when at least one status changed; the count of changes is returned.
func (s Store) UpdateTaskStatuses(runDir string, statuses map[string]string) (domain.Plan, int, error) {
	norm := make(map[string]string, len(statuses))
	for id, st := range statuses {
		id, st = strings.TrimSpace(id), strings.ToLower(strings.TrimSpace(st))
		if id != "" && st != "" {
			norm[id] = st
		}
	}
	if len(norm) == 0 {
		return domain.Plan{}, 0, fmt.Errorf("%w: at least one id=status pair is required", ErrInvalid)
	}
	plan, err := s.Load(runDir)
	if err != nil {
		return domain.Plan{}, 0, err
	}
	changed := 0
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if st, ok := norm[t.ID]; ok && t.Status != st {
			t.Status = st
			changed++
		}
	}
	if changed == 0 {
		return plan, 0, nil
	}
	if err := s.Save(runDir, &plan); err != nil {
		return domain.Plan{}, 0, err
	}
	return plan, changed, nil
}
