package maestro

import (
	"reflect"
	"sort"
)

// VersionDiff summarizes the step-level differences between two published
// versions of a workflow. Definitions are immutable, so diffing is how a
// new version is reviewed against the one it replaces.
type VersionDiff struct {
	OldVersion string   `json:"old_version"`
	NewVersion string   `json:"new_version"`
	Added      []string `json:"added,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Changed    []string `json:"changed,omitempty"`
}

// Empty reports whether the two versions have identical step graphs.
func (d *VersionDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffVersions compares two workflow definitions step by step.
func DiffVersions(old, new *Workflow) *VersionDiff {
	diff := &VersionDiff{
		OldVersion: old.Version(),
		NewVersion: new.Version(),
	}
	for _, step := range new.Steps() {
		prior, ok := old.GetStep(step.Name)
		if !ok {
			diff.Added = append(diff.Added, step.Name)
			continue
		}
		if !reflect.DeepEqual(prior, step) {
			diff.Changed = append(diff.Changed, step.Name)
		}
	}
	for _, step := range old.Steps() {
		if _, ok := new.GetStep(step.Name); !ok {
			diff.Removed = append(diff.Removed, step.Name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}
