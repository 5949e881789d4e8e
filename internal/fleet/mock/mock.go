// Package mock provides an in-memory Fleet Management implementation for
// development and tests. State is inspectable so tests can assert the exact
// fleet objects a workflow created, and individual operations can be made to
// fail on demand.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/xolo-io/xolo/internal/fleet"
)

// PatchTitle is the fleet-side state of a patch-title subscription.
type PatchTitle struct {
	ID                string
	VisibleVersions   map[string]bool
	VersionPackages   map[string]string
	AcceptancePending bool
}

// Account is a fleet admin account for credential checks.
type Account struct {
	Password string
	Groups   []string
}

// Fleet is the in-memory mock. It implements both fleet.Factory and
// fleet.Client; Open returns the fleet itself.
type Fleet struct {
	mu     sync.Mutex
	nextID int

	Categories    map[string]string
	Packages      map[string]*fleet.Package
	Policies      map[string]*fleet.Policy
	PatchTitles   map[string]*PatchTitle
	PatchPolicies map[string]*fleet.PatchPolicySpec
	PatchEnabled  map[string]bool
	EAs           map[string]string
	SmartGroups   map[string]fleet.SmartGroupSpec
	StaticGroups  map[string][]string
	GroupNames    map[string]string
	Icons         map[string]string
	Accounts      map[string]Account
	FlushedLogs   []string
	MDMDeploys    []string

	// Fail injects an error for the named operation.
	Fail map[string]error

	// Calls records operation names in invocation order.
	Calls []string
}

// New creates an empty mock fleet.
func New() *Fleet {
	return &Fleet{
		Categories:    make(map[string]string),
		Packages:      make(map[string]*fleet.Package),
		Policies:      make(map[string]*fleet.Policy),
		PatchTitles:   make(map[string]*PatchTitle),
		PatchPolicies: make(map[string]*fleet.PatchPolicySpec),
		PatchEnabled:  make(map[string]bool),
		EAs:           make(map[string]string),
		SmartGroups:   make(map[string]fleet.SmartGroupSpec),
		StaticGroups:  make(map[string][]string),
		GroupNames:    make(map[string]string),
		Icons:         make(map[string]string),
		Accounts:      make(map[string]Account),
		Fail:          make(map[string]error),
	}
}

// Open implements fleet.Factory.
func (f *Fleet) Open(_ context.Context) (fleet.Client, error) {
	if err := f.failure("Open"); err != nil {
		return nil, err
	}
	return f, nil
}

// Close implements fleet.Client.
func (f *Fleet) Close() error { return nil }

func (f *Fleet) failure(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

func (f *Fleet) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// MakePatchVersionVisible marks a patch version as visible, as the real
// fleet does once it syncs with the catalog.
func (f *Fleet) MakePatchVersionVisible(slug, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pt := f.patchTitleLocked(slug)
	pt.VisibleVersions[version] = true
}

// SetAcceptancePending marks the patch title as awaiting EA acceptance.
func (f *Fleet) SetAcceptancePending(slug string, pending bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patchTitleLocked(slug).AcceptancePending = pending
}

func (f *Fleet) patchTitleLocked(slug string) *PatchTitle {
	pt, ok := f.PatchTitles[slug]
	if !ok {
		pt = &PatchTitle{
			ID:              f.id("pt"),
			VisibleVersions: make(map[string]bool),
			VersionPackages: make(map[string]string),
		}
		f.PatchTitles[slug] = pt
	}
	return pt
}

func (f *Fleet) EnsureCategory(_ context.Context, name string) (string, error) {
	if err := f.failure("EnsureCategory"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.Categories[name]; ok {
		return id, nil
	}
	id := f.id("cat")
	f.Categories[name] = id
	return id, nil
}

func (f *Fleet) CreatePackage(_ context.Context, spec fleet.PackageSpec) (string, error) {
	if err := f.failure("CreatePackage"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.Packages {
		if p.Name == spec.Name {
			return "", fmt.Errorf("%w: package %s", fleet.ErrConflict, spec.Name)
		}
	}
	id := f.id("pkg")
	f.Packages[id] = &fleet.Package{ID: id, PackageSpec: spec}
	return id, nil
}

func (f *Fleet) GetPackage(_ context.Context, id string) (*fleet.Package, error) {
	if err := f.failure("GetPackage"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Packages[id]
	if !ok {
		return nil, fmt.Errorf("%w: package %s", fleet.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (f *Fleet) UpdatePackage(_ context.Context, id string, spec fleet.PackageSpec) error {
	if err := f.failure("UpdatePackage"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Packages[id]
	if !ok {
		return fmt.Errorf("%w: package %s", fleet.ErrNotFound, id)
	}
	p.PackageSpec = spec
	return nil
}

func (f *Fleet) DeletePackage(_ context.Context, id string) error {
	if err := f.failure("DeletePackage"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Packages[id]; !ok {
		return fmt.Errorf("%w: package %s", fleet.ErrNotFound, id)
	}
	delete(f.Packages, id)
	return nil
}

func (f *Fleet) CreatePolicy(_ context.Context, spec fleet.PolicySpec) (string, error) {
	if err := f.failure("CreatePolicy"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.Policies {
		if p.Name == spec.Name {
			return "", fmt.Errorf("%w: policy %s", fleet.ErrConflict, spec.Name)
		}
	}
	id := f.id("pol")
	f.Policies[id] = &fleet.Policy{ID: id, PolicySpec: spec}
	return id, nil
}

func (f *Fleet) GetPolicy(_ context.Context, id string) (*fleet.Policy, error) {
	if err := f.failure("GetPolicy"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", fleet.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (f *Fleet) UpdatePolicy(_ context.Context, id string, spec fleet.PolicySpec) error {
	if err := f.failure("UpdatePolicy"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Policies[id]
	if !ok {
		return fmt.Errorf("%w: policy %s", fleet.ErrNotFound, id)
	}
	p.PolicySpec = spec
	return nil
}

func (f *Fleet) DeletePolicy(_ context.Context, id string) error {
	if err := f.failure("DeletePolicy"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Policies[id]; !ok {
		return fmt.Errorf("%w: policy %s", fleet.ErrNotFound, id)
	}
	delete(f.Policies, id)
	return nil
}

func (f *Fleet) FlushPolicyLogs(_ context.Context, id string) error {
	if err := f.failure("FlushPolicyLogs"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FlushedLogs = append(f.FlushedLogs, id)
	return nil
}

func (f *Fleet) ActivatePatchTitle(_ context.Context, slug string) (string, error) {
	if err := f.failure("ActivatePatchTitle"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patchTitleLocked(slug).ID, nil
}

func (f *Fleet) DeactivatePatchTitle(_ context.Context, slug string) error {
	if err := f.failure("DeactivatePatchTitle"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.PatchTitles[slug]; !ok {
		return fmt.Errorf("%w: patch title %s", fleet.ErrNotFound, slug)
	}
	delete(f.PatchTitles, slug)
	return nil
}

func (f *Fleet) PatchVersionVisible(_ context.Context, slug, version string) (bool, error) {
	if err := f.failure("PatchVersionVisible"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pt, ok := f.PatchTitles[slug]
	if !ok {
		return false, nil
	}
	return pt.VisibleVersions[version], nil
}

func (f *Fleet) AssignPackageToPatchVersion(_ context.Context, slug, version, packageID string) error {
	if err := f.failure("AssignPackageToPatchVersion"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pt, ok := f.PatchTitles[slug]
	if !ok || !pt.VisibleVersions[version] {
		return fmt.Errorf("%w: patch version %s %s", fleet.ErrNotFound, slug, version)
	}
	pt.VersionPackages[version] = packageID
	return nil
}

func (f *Fleet) CreatePatchPolicy(_ context.Context, spec fleet.PatchPolicySpec) (string, error) {
	if err := f.failure("CreatePatchPolicy"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("pp")
	cp := spec
	f.PatchPolicies[id] = &cp
	f.PatchEnabled[id] = true
	return id, nil
}

func (f *Fleet) UpdatePatchPolicy(_ context.Context, id string, spec fleet.PatchPolicySpec) error {
	if err := f.failure("UpdatePatchPolicy"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.PatchPolicies[id]; !ok {
		return fmt.Errorf("%w: patch policy %s", fleet.ErrNotFound, id)
	}
	cp := spec
	f.PatchPolicies[id] = &cp
	return nil
}

func (f *Fleet) SetPatchPolicyEnabled(_ context.Context, id string, enabled bool) error {
	if err := f.failure("SetPatchPolicyEnabled"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.PatchPolicies[id]; !ok {
		return fmt.Errorf("%w: patch policy %s", fleet.ErrNotFound, id)
	}
	f.PatchEnabled[id] = enabled
	return nil
}

func (f *Fleet) DeletePatchPolicy(_ context.Context, id string) error {
	if err := f.failure("DeletePatchPolicy"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.PatchPolicies[id]; !ok {
		return fmt.Errorf("%w: patch policy %s", fleet.ErrNotFound, id)
	}
	delete(f.PatchPolicies, id)
	delete(f.PatchEnabled, id)
	return nil
}

func (f *Fleet) UpsertEA(_ context.Context, name, script string) (string, error) {
	if err := f.failure("UpsertEA"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EAs[name] = script
	return "ea-" + name, nil
}

func (f *Fleet) DeleteEA(_ context.Context, name string) error {
	if err := f.failure("DeleteEA"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.EAs[name]; !ok {
		return fmt.Errorf("%w: ea %s", fleet.ErrNotFound, name)
	}
	delete(f.EAs, name)
	return nil
}

func (f *Fleet) EAAcceptancePending(_ context.Context, slug string) (bool, error) {
	if err := f.failure("EAAcceptancePending"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pt, ok := f.PatchTitles[slug]
	if !ok {
		return false, nil
	}
	return pt.AcceptancePending, nil
}

func (f *Fleet) AcceptEA(_ context.Context, slug string) error {
	if err := f.failure("AcceptEA"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pt, ok := f.PatchTitles[slug]
	if !ok {
		return fmt.Errorf("%w: patch title %s", fleet.ErrNotFound, slug)
	}
	pt.AcceptancePending = false
	return nil
}

func (f *Fleet) CreateSmartGroup(_ context.Context, spec fleet.SmartGroupSpec) (string, error) {
	if err := f.failure("CreateSmartGroup"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("sg")
	f.SmartGroups[id] = spec
	f.GroupNames[id] = spec.Name
	return id, nil
}

func (f *Fleet) UpdateSmartGroup(_ context.Context, id string, spec fleet.SmartGroupSpec) error {
	if err := f.failure("UpdateSmartGroup"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.SmartGroups[id]; !ok {
		return fmt.Errorf("%w: smart group %s", fleet.ErrNotFound, id)
	}
	f.SmartGroups[id] = spec
	f.GroupNames[id] = spec.Name
	return nil
}

func (f *Fleet) CreateStaticGroup(_ context.Context, name string, members []string) (string, error) {
	if err := f.failure("CreateStaticGroup"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("stg")
	f.StaticGroups[id] = slices.Clone(members)
	f.GroupNames[id] = name
	return id, nil
}

func (f *Fleet) GetStaticGroupMembers(_ context.Context, id string) ([]string, error) {
	if err := f.failure("GetStaticGroupMembers"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.StaticGroups[id]
	if !ok {
		return nil, fmt.Errorf("%w: static group %s", fleet.ErrNotFound, id)
	}
	return slices.Clone(members), nil
}

func (f *Fleet) SetStaticGroupMembers(_ context.Context, id string, members []string) error {
	if err := f.failure("SetStaticGroupMembers"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.StaticGroups[id]; !ok {
		return fmt.Errorf("%w: static group %s", fleet.ErrNotFound, id)
	}
	f.StaticGroups[id] = slices.Clone(members)
	return nil
}

func (f *Fleet) DeleteGroup(_ context.Context, id string) error {
	if err := f.failure("DeleteGroup"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, smart := f.SmartGroups[id]
	_, static := f.StaticGroups[id]
	if !smart && !static {
		return fmt.Errorf("%w: group %s", fleet.ErrNotFound, id)
	}
	delete(f.SmartGroups, id)
	delete(f.StaticGroups, id)
	delete(f.GroupNames, id)
	return nil
}

func (f *Fleet) UploadIcon(_ context.Context, filename string, _ []byte) (string, error) {
	if err := f.failure("UploadIcon"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("icon")
	f.Icons[id] = filename
	return id, nil
}

func (f *Fleet) DeployViaMDM(_ context.Context, packageID string, _ []string) error {
	if err := f.failure("DeployViaMDM"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.Packages[packageID]
	if !ok {
		return fmt.Errorf("%w: package %s", fleet.ErrNotFound, packageID)
	}
	if !pkg.Distribution {
		return fmt.Errorf("%w: package %s is not a distribution package", fleet.ErrUnsupported, packageID)
	}
	f.MDMDeploys = append(f.MDMDeploys, packageID)
	return nil
}

func (f *Fleet) CheckCredentials(_ context.Context, username, password string) error {
	if err := f.failure("CheckCredentials"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.Accounts[username]
	if !ok || acct.Password != password {
		return fmt.Errorf("%w: %s", fleet.ErrBadCredentials, username)
	}
	return nil
}

func (f *Fleet) MemberOf(_ context.Context, username, group string) (bool, error) {
	if err := f.failure("MemberOf"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.Accounts[username]
	if !ok {
		return false, nil
	}
	return slices.Contains(acct.Groups, group), nil
}
