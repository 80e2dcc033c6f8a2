package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ranierigmusella/ckan-docker/internal/ckan"
	"github.com/ranierigmusella/ckan-docker/internal/config"
	"github.com/ranierigmusella/ckan-docker/internal/metrics"
)

const tracerName = "ckan-prerun"

// EndpointProber is a dependency that can describe and probe itself.
type EndpointProber interface {
	Prober
	Endpoint() Endpoint
}

// PrimaryDB is satisfied by *clients.PostgresClient for the CKAN database.
type PrimaryDB interface {
	EndpointProber
	ReassignOwnership(ctx context.Context, objects ...OwnedObject) error
}

// DatastoreDB is satisfied by *clients.PostgresClient for the datastore
// write database.
type DatastoreDB interface {
	EndpointProber
	ExecScript(ctx context.Context, sql string) error
}

// CKAN is satisfied by *ckan.Runner.
type CKAN interface {
	SetConfig(ctx context.Context, key, value string) error
	InitDB(ctx context.Context) error
	DatastorePermissions(ctx context.Context) (ckan.PermissionsScript, error)
	UserExists(ctx context.Context, name string) (bool, error)
	AddUser(ctx context.Context, name, password, email string) error
	AddSysadmin(ctx context.Context, name string) error
	InitExtension(ctx context.Context, ext ckan.Extension) error
}

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	PrimaryDB PrimaryDB
	Datastore DatastoreDB
	Search    EndpointProber
	Redis     EndpointProber
	CKAN      CKAN
	// Health are the probers RunDeepHealth uses, typically the dependencies
	// above behind circuit breakers. Defaults to the dependencies themselves.
	Health []EndpointProber
	// Clock drives retry delays. Defaults to clock.WallClock.
	Clock clock.Clock
}

// Orchestrator runs the readiness checks and bootstrap phases in a fixed
// order.
type Orchestrator struct {
	cfg     *config.Config
	plugins PluginSet
	budget  RetryBudget
	clock   clock.Clock

	primary   PrimaryDB
	datastore DatastoreDB
	search    EndpointProber
	redis     EndpointProber
	ckan      CKAN
	health    []EndpointProber

	bootstrapInProgress atomic.Bool
	lastResult          *BootstrapResult
	resultMu            sync.RWMutex
}

// New constructs an Orchestrator. cfg is read but never modified.
func New(cfg *config.Config, deps Dependencies) *Orchestrator {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	health := deps.Health
	if health == nil {
		health = []EndpointProber{deps.PrimaryDB, deps.Datastore, deps.Search, deps.Redis}
	}
	return &Orchestrator{
		cfg:     cfg,
		plugins: PluginSet(cfg.CKAN.PluginList()),
		budget: RetryBudget{
			Attempts: cfg.Bootstrap.RetryAttempts,
			Delay:    cfg.Bootstrap.RetryDelay,
		},
		clock:     clk,
		primary:   deps.PrimaryDB,
		datastore: deps.Datastore,
		search:    deps.Search,
		redis:     deps.Redis,
		ckan:      deps.CKAN,
		health:    health,
	}
}

// phase is one ordered unit of the bootstrap. Errors from an optional phase
// are recorded and the run continues.
type phase struct {
	name     string
	run      func(ctx context.Context) error
	optional bool
}

func (o *Orchestrator) phases() []phase {
	return []phase{
		{name: PhaseCheckPrimaryDB, run: o.waitFor(o.primary)},
		{name: PhaseInitDB, run: o.initDB},
		{name: PhaseSyncPlugins, run: o.syncPlugins},
		{name: PhaseCheckDatastoreDB, run: o.waitFor(o.datastore)},
		{name: PhaseInitDatastore, run: o.initDatastore},
		{name: PhaseCreateSysadmin, run: o.createSysadmin},
		{name: PhaseInitHarvester, run: o.initHarvester, optional: true},
		{name: PhaseInitSpatial, run: o.initSpatial, optional: true},
		{name: PhaseInitTaxonomy, run: o.initTaxonomy, optional: true},
		{name: PhaseCheckSearch, run: o.waitFor(o.search)},
		// Setup never writes to Redis, so an unreachable one only degrades the run.
		{name: PhaseCheckRedis, run: o.waitFor(o.redis), optional: true},
	}
}

// RunBootstrap runs every phase sequentially. In maintenance mode nothing is
// touched and the result status is "skipped".
//
// A non-nil error means the run was aborted: a dependency never became
// ready, a transient failure asked for a restart, or a mandatory command
// failed. The partial result is returned alongside it. Returns
// ErrBootstrapInProgress if a bootstrap is already running.
func (o *Orchestrator) RunBootstrap(ctx context.Context) (*BootstrapResult, error) {
	if !o.bootstrapInProgress.CompareAndSwap(false, true) {
		return nil, ErrBootstrapInProgress
	}
	defer o.bootstrapInProgress.Store(false)

	result := &BootstrapResult{Status: StatusInProgress}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "prerun.bootstrap")
	defer span.End()

	var runErr error
	if o.cfg.MaintenanceMode() {
		slog.InfoContext(ctx, "maintenance mode, skipping setup")
		result.Status = StatusSkipped
	} else {
		slog.InfoContext(ctx, "bootstrap started")
		runErr = o.runPhases(ctx, result)
		result.Status = overallStatus(result, runErr)
	}

	metrics.BootstrapRunsTotal.WithLabelValues(result.Status).Inc()
	span.SetAttributes(attribute.String("bootstrap.status", result.Status))
	switch result.Status {
	case StatusError:
		span.SetStatus(codes.Error, runErr.Error())
		slog.ErrorContext(ctx, "bootstrap aborted", "status", result.Status, "error", runErr)
	case StatusDegraded:
		span.SetStatus(codes.Ok, "")
		slog.WarnContext(ctx, "bootstrap completed with errors", "status", result.Status)
	default:
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "bootstrap completed", "status", result.Status)
	}

	o.resultMu.Lock()
	o.lastResult = result
	o.resultMu.Unlock()

	return result, runErr
}

func (o *Orchestrator) runPhases(ctx context.Context, result *BootstrapResult) error {
	for _, p := range o.phases() {
		res, err := o.runPhase(ctx, p)
		result.Phases = append(result.Phases, res)
		if err != nil {
			return err
		}
	}
	return nil
}

// runPhase executes p and returns its result. The error is non-nil only
// when the failure must stop the run.
func (o *Orchestrator) runPhase(ctx context.Context, p phase) (PhaseResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "prerun."+p.name)
	defer span.End()

	start := time.Now()
	err := p.run(ctx)
	elapsed := time.Since(start)

	res := PhaseResult{Name: p.name, DurationMs: elapsed.Milliseconds()}
	var rec recoverable
	var fatal error
	switch {
	case err == nil:
		res.Status = StatusOK
	case errors.Is(err, errSkipped):
		res.Status = StatusSkipped
		res.Detail = strings.TrimPrefix(err.Error(), errSkipped.Error()+": ")
	default:
		res.Status = StatusError
		res.Error = err.Error()
		span.SetStatus(codes.Error, res.Error)
		if !p.optional && !errors.As(err, &rec) {
			fatal = err
		}
	}

	metrics.PhasesTotal.WithLabelValues(p.name, res.Status).Inc()
	metrics.PhaseDuration.WithLabelValues(p.name).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("phase.status", res.Status))
	logPhase(ctx, res)

	return res, fatal
}

func overallStatus(result *BootstrapResult, runErr error) string {
	if runErr != nil {
		return StatusError
	}
	for _, p := range result.Phases {
		if p.Status == StatusError {
			return StatusDegraded
		}
	}
	return StatusOK
}

// RunDeepHealth probes every dependency concurrently, once each, and
// returns a map of endpoint kind to ProbeResult. Unconfigured endpoints
// are reported as skipped.
func (o *Orchestrator) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(o.health))
	var mu sync.Mutex
	var g errgroup.Group

	for _, d := range o.health {
		g.Go(func() error {
			ep := d.Endpoint()
			probe := ProbeResult{Name: string(ep.Kind), OK: true, Skipped: true}
			if ep.Configured() {
				probe = d.Probe(ctx)
			}
			mu.Lock()
			results[string(ep.Kind)] = probe
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// IsBootstrapInProgress returns true while a bootstrap run is active.
func (o *Orchestrator) IsBootstrapInProgress() bool {
	return o.bootstrapInProgress.Load()
}

// IsReady returns true if the last bootstrap ran to completion.
func (o *Orchestrator) IsReady() bool {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	if o.lastResult == nil {
		return false
	}
	switch o.lastResult.Status {
	case StatusOK, StatusDegraded, StatusSkipped:
		return true
	}
	return false
}

// LastResult returns the result of the most recent run, or nil.
func (o *Orchestrator) LastResult() *BootstrapResult {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.lastResult
}

// logPhase emits a trace-correlated log for a bootstrap phase result.
func logPhase(ctx context.Context, p PhaseResult) {
	switch p.Status {
	case StatusOK:
		slog.InfoContext(ctx, "bootstrap phase ok", "phase", p.Name, "duration_ms", p.DurationMs)
	case StatusSkipped:
		slog.InfoContext(ctx, "bootstrap phase skipped", "phase", p.Name, "reason", p.Detail)
	default:
		slog.WarnContext(ctx, "bootstrap phase failed", "phase", p.Name, "error", p.Error)
	}
}
