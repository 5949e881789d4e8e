package models

// RequirementKind tags the two mutually exclusive mechanisms for detecting
// the installed version of a title on a client.
type RequirementKind string

const (
	// RequirementApp detects the installed version through an application
	// name and bundle identifier reported by the client inventory.
	RequirementApp RequirementKind = "app"

	// RequirementScript detects the installed version through an extension
	// attribute script executed on the client.
	RequirementScript RequirementKind = "script"
)

// Requirement is the tagged variant of a title's version-detection
// mechanism. Exactly one of App or Script is populated, selected by Kind.
type Requirement struct {
	Kind RequirementKind

	// App is set when Kind == RequirementApp.
	App AppRequirement

	// Script is set when Kind == RequirementScript.
	Script ScriptRequirement
}

// AppRequirement identifies an application whose bundle version reports the
// installed title version.
type AppRequirement struct {
	Name     string
	BundleID string
}

// ScriptRequirement carries the extension attribute source that reports the
// installed title version.
type ScriptRequirement struct {
	Source string
}

// Requirement derives the title's requirement variant from its attributes.
// Returns ErrNoRequirement or ErrAmbiguousRequirement when the invariant
// "exactly one mechanism" does not hold.
func (t *Title) Requirement() (Requirement, error) {
	hasApp := t.AppName != "" && t.AppBundleID != ""
	hasScript := t.VersionScript != ""

	switch {
	case hasApp && hasScript:
		return Requirement{}, ErrAmbiguousRequirement
	case hasApp:
		return Requirement{
			Kind: RequirementApp,
			App:  AppRequirement{Name: t.AppName, BundleID: t.AppBundleID},
		}, nil
	case hasScript:
		return Requirement{
			Kind:   RequirementScript,
			Script: ScriptRequirement{Source: t.VersionScript},
		}, nil
	default:
		return Requirement{}, ErrNoRequirement
	}
}

// RequirementTransition classifies how a title update changes the
// requirement mechanism, driving the catalog and fleet mirroring passes.
type RequirementTransition string

const (
	// TransitionNone means the requirement did not change.
	TransitionNone RequirementTransition = ""

	// TransitionAppToScript switches app-based detection to script-based:
	// the EA is created, the catalog requirement switches, and every
	// version's patch component is rewritten.
	TransitionAppToScript RequirementTransition = "app_to_ea"

	// TransitionScriptToApp is the inverse: the EA is deleted after the
	// catalog requirement and patch components are rewritten.
	TransitionScriptToApp RequirementTransition = "ea_to_app"

	// TransitionUpdateApp rewrites the app name or bundle id in place.
	TransitionUpdateApp RequirementTransition = "update_app"

	// TransitionUpdateScript rewrites the EA script source in place.
	TransitionUpdateScript RequirementTransition = "update_ea"
)

// ClassifyRequirementTransition compares the stored and incoming
// requirements and names the transition the update workflows must apply.
func ClassifyRequirementTransition(old, new Requirement) RequirementTransition {
	if old.Kind != new.Kind {
		if new.Kind == RequirementScript {
			return TransitionAppToScript
		}
		return TransitionScriptToApp
	}
	switch new.Kind {
	case RequirementApp:
		if old.App != new.App {
			return TransitionUpdateApp
		}
	case RequirementScript:
		if old.Script != new.Script {
			return TransitionUpdateScript
		}
	}
	return TransitionNone
}
