// Package maturity resolves a maturity level and module selection into the
// concrete sub-stage plan and verification threshold for a session. The
// tables are fixed data so results are comparable across sessions at the
// same level; nothing here is derived at runtime.
package maturity

import (
	"fmt"
	"sort"
)

// InvalidLevelError indicates a level outside 1..4. Levels are never
// silently clamped.
type InvalidLevelError struct {
	Level int
}

func (e InvalidLevelError) Error() string {
	return fmt.Sprintf("invalid maturity level %d (must be 1..4)", e.Level)
}

// UnknownModuleError indicates a module name with no sub-stage entry.
type UnknownModuleError struct {
	Module string
}

func (e UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown module %s", e.Module)
}

// Profile is the resolved plan: the ordered sub-stages of the
// code-generation stage and the verification coverage threshold.
type Profile struct {
	Level             int      `json:"level"`
	Modules           []string `json:"modules,omitempty"`
	RequiredSubStages []string `json:"required_sub_stages"`
	CoverageThreshold int      `json:"coverage_threshold"`
}

// levelSubStages lists what each level ADDS on top of the previous one.
// Containment across levels is monotonic by construction.
var levelSubStages = [][]string{
	1: {"scaffold", "core_logic", "smoke_test"},
	2: {"error_handling", "input_validation", "integration_test"},
	3: {"observability", "security_baseline", "api_docs"},
	4: {"performance_tuning", "resilience", "load_test"},
}

// moduleSubStages lists the sub-stages each optional module contributes.
// Modules are additive and orthogonal to level.
var moduleSubStages = map[string][]string{
	"persistence":   {"storage_layer", "migration_check"},
	"messaging":     {"broker_wiring", "consumer_loop"},
	"auth":          {"auth_flow", "permission_check"},
	"observability": {"metrics_export", "trace_propagation"},
}

// coverageThresholds is the fixed percentage contract per level.
var coverageThresholds = [...]int{1: 60, 2: 75, 3: 80, 4: 85}

// Resolve returns the profile for a level and module set.
func Resolve(level int, modules []string) (Profile, error) {
	if level < 1 || level > 4 {
		return Profile{}, InvalidLevelError{Level: level}
	}
	var stages []string
	for l := 1; l <= level; l++ {
		stages = append(stages, levelSubStages[l]...)
	}
	mods := append([]string(nil), modules...)
	sort.Strings(mods)
	for _, m := range mods {
		extra, ok := moduleSubStages[m]
		if !ok {
			return Profile{}, UnknownModuleError{Module: m}
		}
		stages = append(stages, extra...)
	}
	return Profile{
		Level:             level,
		Modules:           mods,
		RequiredSubStages: stages,
		CoverageThreshold: coverageThresholds[level],
	}, nil
}

// Modules returns the known module names, sorted.
func Modules() []string {
	var names []string
	for m := range moduleSubStages {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// Includes reports whether a sub-stage is part of the profile.
func (p Profile) Includes(stageID string) bool {
	for _, s := range p.RequiredSubStages {
		if s == stageID {
			return true
		}
	}
	return false
}
