// Copyright 2025 James Ross
package pusher

import "strings"

// resolveTag implements tag resolution:
// 1. explicit override, substituting $workspace
// 2. dedicated-worker tag {workspace}:{path} if the target is dedicated
// 3. language tag
// 4. kind default (flow, dependency, else language-default)
func resolveTag(spec JobSpec, target Target, dedicatedPath string, langDefaultTag string) string {
	if spec.TagOverride != nil {
		return strings.ReplaceAll(*spec.TagOverride, "$workspace", spec.Workspace)
	}
	if target.Dedicated && dedicatedPath != "" {
		return spec.Workspace + ":" + dedicatedPath
	}
	if target.Language != "" {
		return target.Language
	}
	switch target.Kind {
	case hintFlow, hintFlowDependencies:
		return "flow"
	case hintDependencies, hintAppDependencies:
		return "dependency"
	}
	return langDefaultTag
}

// resolvePriority implements priority resolution: override >
// per-target configured priority > none (cloud-hosted always none).
func resolvePriority(spec JobSpec, targetConfiguredPriority *int, cloudHosted bool) *int {
	if cloudHosted {
		return nil
	}
	if spec.PriorityOverride != nil {
		return spec.PriorityOverride
	}
	return targetConfiguredPriority
}
