// Package fleet defines the typed interface onto the downstream Fleet
// Management service, which owns client scoping, installer packages, and
// deployment policies. Like the catalog, connections are request-scoped and
// opened through a Factory.
package fleet

import (
	"context"
	"errors"

	"github.com/xolo-io/xolo/internal/models"
)

// Sentinel errors for fleet operations.
var (
	// ErrUnavailable is returned when the fleet service is unreachable or
	// misbehaving.
	ErrUnavailable = errors.New("fleet management unavailable")

	// ErrConflict is returned when an object already exists or the request
	// conflicts with fleet state.
	ErrConflict = errors.New("fleet management conflict")

	// ErrNotFound is returned when a fleet object is absent.
	ErrNotFound = errors.New("fleet object not found")

	// ErrUnsupported is returned for operations not valid for the entity
	// shape, e.g. MDM deployment of a non-distribution package.
	ErrUnsupported = errors.New("operation not supported for this object")

	// ErrBadCredentials is returned when a credential check fails.
	ErrBadCredentials = errors.New("invalid fleet credentials")
)

// PackageSpec describes an installer package object.
type PackageSpec struct {
	Name           string
	Filename       string
	Category       string
	OSRequirement  string
	RebootRequired bool
	// Distribution marks a package suitable for MDM deployment.
	Distribution bool
}

// Package is a stored package with its fleet identifier.
type Package struct {
	ID string
	PackageSpec
}

// Scope is the targeting of a policy: group names targeted (or all
// computers) minus exclusions. An empty Targets with AllTargets false means
// the policy has no targets at all.
type Scope struct {
	AllTargets bool
	Targets    []string
	Exclusions []string
}

// PolicyKind names the install-policy flavors Xolo manages per title or
// version.
type PolicyKind string

// Policy kinds.
const (
	PolicyManualInstall PolicyKind = "manual-install"
	PolicyAutoInstall   PolicyKind = "auto-install"
	PolicyUninstall     PolicyKind = "uninstall"
	PolicyExpire        PolicyKind = "expire"
	PolicyClientData    PolicyKind = "client-data"
)

// PolicySpec describes an install policy.
type PolicySpec struct {
	Name                string
	Kind                PolicyKind
	PackageID           string
	Scope               Scope
	SelfService         bool
	SelfServiceCategory string
	SelfServiceIconID   string
	// Script is the payload for script-backed policies (uninstall, expire).
	Script  string
	Reboot  bool
	Enabled bool
}

// Policy is a stored policy with its fleet identifier.
type Policy struct {
	ID string
	PolicySpec
}

// PatchPolicySpec describes a patch policy for one version of a title.
type PatchPolicySpec struct {
	TitleSlug      string
	Version        string
	PackageID      string
	Scope          Scope
	AllowDowngrade bool
	SelfService    bool
}

// SmartGroupSpec describes a smart group whose criteria derive from the
// title's requirement kind: app-based groups match on the application name,
// script-based groups match on the normal EA's reported value.
type SmartGroupSpec struct {
	Name     string
	Criteria GroupCriteria
}

// GroupCriteria is the requirement-derived membership rule of an installed
// smart group.
type GroupCriteria struct {
	Kind     models.RequirementKind
	AppName  string
	BundleID string
	EAName   string
}

// CriteriaFor derives the installed-group criteria from a requirement.
// eaName is the title's normal-EA object name, used for script-based
// requirements.
func CriteriaFor(req models.Requirement, eaName string) GroupCriteria {
	switch req.Kind {
	case models.RequirementApp:
		return GroupCriteria{
			Kind:     models.RequirementApp,
			AppName:  req.App.Name,
			BundleID: req.App.BundleID,
		}
	default:
		return GroupCriteria{
			Kind:   models.RequirementScript,
			EAName: eaName,
		}
	}
}

// Factory opens request-scoped fleet clients.
type Factory interface {
	// Open establishes a connection to the fleet service. The returned
	// client must be closed at request end.
	Open(ctx context.Context) (Client, error)
}

// Client is the per-request connection to Fleet Management. All operations
// may fail with ErrUnavailable, ErrConflict, ErrNotFound, or ErrUnsupported.
type Client interface {
	// EnsureCategory creates the category if absent and returns its id.
	EnsureCategory(ctx context.Context, name string) (string, error)

	// Package objects.
	CreatePackage(ctx context.Context, spec PackageSpec) (string, error)
	GetPackage(ctx context.Context, id string) (*Package, error)
	UpdatePackage(ctx context.Context, id string, spec PackageSpec) error
	DeletePackage(ctx context.Context, id string) error

	// Install policies.
	CreatePolicy(ctx context.Context, spec PolicySpec) (string, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	UpdatePolicy(ctx context.Context, id string, spec PolicySpec) error
	DeletePolicy(ctx context.Context, id string) error

	// FlushPolicyLogs clears the run logs of a policy so it re-runs on every
	// client at next check-in.
	FlushPolicyLogs(ctx context.Context, id string) error

	// Patch-title subscription and patch policies.
	ActivatePatchTitle(ctx context.Context, slug string) (string, error)
	DeactivatePatchTitle(ctx context.Context, slug string) error
	PatchVersionVisible(ctx context.Context, slug, version string) (bool, error)
	AssignPackageToPatchVersion(ctx context.Context, slug, version, packageID string) error
	CreatePatchPolicy(ctx context.Context, spec PatchPolicySpec) (string, error)
	UpdatePatchPolicy(ctx context.Context, id string, spec PatchPolicySpec) error
	SetPatchPolicyEnabled(ctx context.Context, id string, enabled bool) error
	DeletePatchPolicy(ctx context.Context, id string) error

	// Extension attributes. EAAcceptancePending reports whether the fleet
	// side has noticed a catalog EA change and is waiting for acceptance.
	UpsertEA(ctx context.Context, name, script string) (string, error)
	DeleteEA(ctx context.Context, name string) error
	EAAcceptancePending(ctx context.Context, slug string) (bool, error)
	AcceptEA(ctx context.Context, slug string) error

	// Smart and static groups.
	CreateSmartGroup(ctx context.Context, spec SmartGroupSpec) (string, error)
	UpdateSmartGroup(ctx context.Context, id string, spec SmartGroupSpec) error
	CreateStaticGroup(ctx context.Context, name string, members []string) (string, error)
	GetStaticGroupMembers(ctx context.Context, id string) ([]string, error)
	SetStaticGroupMembers(ctx context.Context, id string, members []string) error
	DeleteGroup(ctx context.Context, id string) error

	// UploadIcon stores a self-service icon and returns its fleet id.
	UploadIcon(ctx context.Context, filename string, data []byte) (string, error)

	// DeployViaMDM pushes a distribution package to targets over MDM.
	// Returns ErrUnsupported for non-distribution packages.
	DeployViaMDM(ctx context.Context, packageID string, targets []string) error

	// Admin authentication: credential check against the fleet's auth
	// endpoint and group membership lookup (possibly delegated to LDAP).
	CheckCredentials(ctx context.Context, username, password string) error
	MemberOf(ctx context.Context, username, group string) (bool, error)

	// Close releases the connection.
	Close() error
}
