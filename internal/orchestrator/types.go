package orchestrator

import (
	"errors"
	"slices"
)

// Status values used across BootstrapResult and PhaseResult.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
	// StatusDegraded means the run finished but a phase that may fail without
	// stopping the run did fail.
	StatusDegraded = "degraded"
)

// Phase names in execution order.
const (
	PhaseCheckPrimaryDB   = "check-primary-db"
	PhaseInitDB           = "init-db"
	PhaseSyncPlugins      = "sync-plugins"
	PhaseCheckDatastoreDB = "check-datastore-db"
	PhaseInitDatastore    = "init-datastore"
	PhaseCreateSysadmin   = "create-sysadmin"
	PhaseInitHarvester    = "init-harvester"
	PhaseInitSpatial      = "init-spatial"
	PhaseInitTaxonomy     = "init-taxonomy"
	PhaseCheckSearch      = "check-search"
	PhaseCheckRedis       = "check-redis"
)

var (
	// ErrBootstrapInProgress is returned when RunBootstrap is called while a
	// bootstrap is already running in this process.
	ErrBootstrapInProgress = errors.New("bootstrap already in progress")

	// ErrDependencyUnavailable is returned once an endpoint has failed every
	// attempt of its retry budget.
	ErrDependencyUnavailable = errors.New("dependency never became ready")

	// ErrTransient marks infrastructure failures that are not retried within
	// the run; the process exits and the supervisor restarts it.
	ErrTransient = errors.New("transient infrastructure failure")
)

// EndpointKind identifies one external dependency.
type EndpointKind string

const (
	KindPrimaryDB   EndpointKind = "ckan-db"
	KindDatastoreDB EndpointKind = "datastore-db"
	KindSearch      EndpointKind = "solr"
	KindRedis       EndpointKind = "redis"
)

// Endpoint describes a dependency. An empty Target means not configured.
type Endpoint struct {
	Kind   EndpointKind
	Target string
}

// Configured reports whether the endpoint has a connection target.
func (e Endpoint) Configured() bool { return e.Target != "" }

// OwnedObject is a database object whose owner is reassigned.
type OwnedObject struct {
	Type string // "VIEW" or "TABLE"
	Name string
}

// PluginSet is the ordered list of enabled CKAN plugins.
type PluginSet []string

// Has reports whether every name is enabled.
func (p PluginSet) Has(names ...string) bool {
	for _, n := range names {
		if !slices.Contains(p, n) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one name is enabled.
func (p PluginSet) HasAny(names ...string) bool {
	for _, n := range names {
		if slices.Contains(p, n) {
			return true
		}
	}
	return false
}

// BootstrapResult is the aggregate result of a full bootstrap run.
type BootstrapResult struct {
	Status string        `json:"status"` // "ok", "degraded", "error", "skipped", "in-progress"
	Phases []PhaseResult `json:"phases"`
}

// Phase returns the named phase result, if the phase ran.
func (r *BootstrapResult) Phase(name string) (PhaseResult, bool) {
	for _, p := range r.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseResult{}, false
}

// PhaseResult represents the outcome of a single bootstrap phase.
type PhaseResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // "ok", "error", "skipped"
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ProbeResult is the outcome of one readiness probe.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Skipped   bool   `json:"skipped,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}
