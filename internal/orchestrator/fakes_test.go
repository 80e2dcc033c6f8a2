package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/ranierigmusella/ckan-docker/internal/ckan"
	"github.com/ranierigmusella/ckan-docker/internal/config"
)

// --- clock ---

// drive runs fn in the background and advances clk by delay whenever a timer
// is waiting, until fn returns. It reports how many delays elapsed.
func drive(t *testing.T, clk *testclock.Clock, delay time.Duration, fn func()) int {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	delays := 0
	timeout := time.After(10 * time.Second)
	for {
		select {
		case <-done:
			return delays
		case <-timeout:
			t.Fatal("run did not finish")
		default:
		}
		if clk.WaitAdvance(delay, 10*time.Millisecond, 1) == nil {
			delays++
		}
	}
}

// --- probers ---

// fakeProber fails its first `failures` probes, then succeeds. A negative
// value fails forever.
type fakeProber struct {
	kind     EndpointKind
	target   string
	failures int

	mu    sync.Mutex
	calls int
}

func (p *fakeProber) Endpoint() Endpoint { return Endpoint{Kind: p.kind, Target: p.target} }

func (p *fakeProber) Probe(_ context.Context) ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures < 0 || p.calls <= p.failures {
		return ProbeResult{Name: string(p.kind), OK: false, Error: "connection refused"}
	}
	return ProbeResult{Name: string(p.kind), OK: true, LatencyMs: 1}
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakePrimary struct {
	fakeProber

	ownershipErr error
	reassigned   [][]OwnedObject
}

func (p *fakePrimary) ReassignOwnership(_ context.Context, objects ...OwnedObject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ownershipErr != nil {
		return p.ownershipErr
	}
	p.reassigned = append(p.reassigned, objects)
	return nil
}

type fakeDatastore struct {
	fakeProber

	execErr error
	scripts []string
}

func (d *fakeDatastore) ExecScript(_ context.Context, sql string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, sql)
	return d.execErr
}

// blockingProber blocks in Probe until done is closed. It drives the
// concurrent bootstrap guard tests.
type blockingProber struct {
	fakeProber
	ready chan struct{} // closed when Probe is entered
	done  chan struct{} // close to unblock Probe
}

func (b *blockingProber) Probe(_ context.Context) ProbeResult {
	close(b.ready)
	<-b.done
	return ProbeResult{Name: string(b.kind), OK: true}
}

func (b *blockingProber) ReassignOwnership(context.Context, ...OwnedObject) error { return nil }

// --- CKAN CLI ---

// fakeCKAN records every command and keeps the state those commands would
// change: the ini file, users and sysadmins.
type fakeCKAN struct {
	mu        sync.Mutex
	calls     []string
	ini       map[string]string
	users     map[string]bool
	sysadmins map[string]bool

	initDBErr error
	permsErr  error
	addErr    error
	extErr    map[string]error
}

func newFakeCKAN() *fakeCKAN {
	return &fakeCKAN{
		ini:       map[string]string{},
		users:     map[string]bool{},
		sysadmins: map[string]bool{},
		extErr:    map[string]error{},
	}
}

func (f *fakeCKAN) record(args ...string) {
	f.calls = append(f.calls, strings.Join(args, " "))
}

func (f *fakeCKAN) SetConfig(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("config-tool", key)
	f.ini[key] = value
	return nil
}

func (f *fakeCKAN) InitDB(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("db", "init")
	return f.initDBErr
}

func (f *fakeCKAN) DatastorePermissions(_ context.Context) (ckan.PermissionsScript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("datastore", "set-permissions")
	return ckan.PermissionsScript{}, f.permsErr
}

func (f *fakeCKAN) UserExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("user", "show", name)
	return f.users[name], nil
}

func (f *fakeCKAN) AddUser(_ context.Context, name, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("user", "add", name)
	if f.addErr != nil {
		return f.addErr
	}
	f.users[name] = true
	return nil
}

func (f *fakeCKAN) AddSysadmin(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sysadmin", "add", name)
	f.sysadmins[name] = true
	return nil
}

func (f *fakeCKAN) InitExtension(_ context.Context, ext ckan.Extension) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ext.Args...)
	return f.extErr[ext.Name]
}

func (f *fakeCKAN) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCKAN) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// --- helpers ---

// transientErr mimics what *ckan.Runner returns for an OperationalError.
var transientErr = &ckan.TransientError{Cmd: &ckan.CommandError{
	Args:   []string{"-c", "/srv/app/ckan.ini", "db", "init"},
	Output: []byte("sqlalchemy.exc.OperationalError"),
	Err:    errors.New("exit status 1"),
}}

type harness struct {
	primary   *fakePrimary
	datastore *fakeDatastore
	search    *fakeProber
	redis     *fakeProber
	ckan      *fakeCKAN
	clock     *testclock.Clock
}

// newHarness wires a reachable primary database and search index. The
// datastore and Redis are unconfigured.
func newHarness() *harness {
	return &harness{
		primary:   &fakePrimary{fakeProber: fakeProber{kind: KindPrimaryDB, target: "postgresql://ckan:pass@db/ckan"}},
		datastore: &fakeDatastore{fakeProber: fakeProber{kind: KindDatastoreDB}},
		search:    &fakeProber{kind: KindSearch, target: "http://solr:8983/solr/ckan"},
		redis:     &fakeProber{kind: KindRedis},
		ckan:      newFakeCKAN(),
		clock:     testclock.NewClock(time.Time{}),
	}
}

func (h *harness) orchestrator(cfg *config.Config) *Orchestrator {
	return New(cfg, Dependencies{
		PrimaryDB: h.primary,
		Datastore: h.datastore,
		Search:    h.search,
		Redis:     h.redis,
		CKAN:      h.ckan,
		Clock:     h.clock,
	})
}

// run executes one bootstrap on o, advancing the clock through every retry
// delay. It reports how many delays elapsed.
func (h *harness) run(t *testing.T, o *Orchestrator) (result *BootstrapResult, delays int, err error) {
	t.Helper()
	delays = drive(t, h.clock, testDelay, func() {
		result, err = o.RunBootstrap(context.Background())
	})
	return result, delays, err
}

func (h *harness) probeCalls() int {
	return h.primary.Calls() + h.datastore.Calls() + h.search.Calls() + h.redis.Calls()
}

const testDelay = 10 * time.Second

func testConfig(mutate func(cfg *config.Config)) *config.Config {
	cfg := &config.Config{}
	cfg.CKAN.Ini = "/srv/app/ckan.ini"
	cfg.CKAN.Plugins = "envvars image_view text_view"
	cfg.Bootstrap.RetryAttempts = 5
	cfg.Bootstrap.RetryDelay = testDelay
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func statuses(r *BootstrapResult) map[string]string {
	out := make(map[string]string, len(r.Phases))
	for _, p := range r.Phases {
		out[p.Name] = p.Status
	}
	return out
}
