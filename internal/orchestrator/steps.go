package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ranierigmusella/ckan-docker/internal/ckan"
)

// Plugin names that enable optional phases. ckanext-harvest registers
// "harvest"; "ckan_harvester" is its CKAN-to-CKAN harvester.
const (
	PluginHarvest         = "harvest"
	PluginCKANHarvester   = "ckan_harvester"
	PluginSpatialMetadata = "spatial_metadata"
	PluginSpatialQuery    = "spatial_query"
	PluginTaxonomy        = "taxonomy"
)

// spatialObjects are created by PostGIS as the superuser and must belong to
// the CKAN role for `spatial initdb` to manage them.
var spatialObjects = []OwnedObject{
	{Type: "VIEW", Name: "geometry_columns"},
	{Type: "TABLE", Name: "spatial_ref_sys"},
}

// errSkipped is returned by a phase that decided it has nothing to do.
var errSkipped = errors.New("skipped")

func skip(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errSkipped, fmt.Sprintf(format, args...))
}

// recoverable wraps a failure of a mandatory phase that is recorded without
// stopping the run.
type recoverable struct{ err error }

func (r recoverable) Error() string { return r.err.Error() }
func (r recoverable) Unwrap() error { return r.err }

// cliError tags CLI failures that carried the OperationalError marker so the
// run can be aborted as transient.
func cliError(op string, err error) error {
	if errors.Is(err, ckan.ErrTransient) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (o *Orchestrator) waitFor(dep EndpointProber) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ep := dep.Endpoint()
		res, err := WaitReady(ctx, o.clock, ep, dep, o.budget)
		if err != nil {
			return err
		}
		if res.Skipped {
			return skip("%s not configured", ep.Kind)
		}
		return nil
	}
}

func (o *Orchestrator) initDB(ctx context.Context) error {
	slog.InfoContext(ctx, "initializing or upgrading db")
	if err := o.ckan.InitDB(ctx); err != nil {
		return cliError("initializing db", err)
	}
	return nil
}

// syncPlugins writes the configured plugin list verbatim into the ini file.
func (o *Orchestrator) syncPlugins(ctx context.Context) error {
	plugins := o.cfg.CKAN.Plugins
	slog.InfoContext(ctx, "setting plugins", "ini", o.cfg.CKAN.Ini, "plugins", plugins)
	if err := o.ckan.SetConfig(ctx, "ckan.plugins", plugins); err != nil {
		return cliError("setting plugins", err)
	}
	return nil
}

// initDatastore applies the permissions script printed by the CKAN CLI to
// the datastore database. Errors raised by the server while executing the
// script are recorded without aborting the run.
func (o *Orchestrator) initDatastore(ctx context.Context) error {
	if !o.datastore.Endpoint().Configured() {
		return skip("datastore write URL not set")
	}

	script, err := o.ckan.DatastorePermissions(ctx)
	if err != nil {
		return cliError("generating datastore permissions", err)
	}

	if err := o.datastore.ExecScript(ctx, script.SQL()); err != nil {
		if errors.Is(err, ErrTransient) {
			return err
		}
		slog.ErrorContext(ctx, "could not initialize datastore", "error", err)
		return recoverable{fmt.Errorf("applying datastore permissions: %w", err)}
	}
	return nil
}

// createSysadmin provisions the configured sysadmin unless the user already
// exists. Check and create are separate commands, so two instances running
// at once can both try to create the user.
func (o *Orchestrator) createSysadmin(ctx context.Context) error {
	admin := o.cfg.CKAN.Sysadmin
	if !admin.Complete() {
		return skip("sysadmin name, password and email not all set")
	}

	exists, err := o.ckan.UserExists(ctx, admin.Name)
	if err != nil {
		return cliError("checking sysadmin user", err)
	}
	if exists {
		slog.InfoContext(ctx, "sysadmin user exists, skipping creation", "user", admin.Name)
		return skip("user %q already exists", admin.Name)
	}

	if err := o.ckan.AddUser(ctx, admin.Name, admin.Password, admin.Email); err != nil {
		return cliError("creating sysadmin user", err)
	}
	slog.InfoContext(ctx, "created user", "user", admin.Name)

	if err := o.ckan.AddSysadmin(ctx, admin.Name); err != nil {
		return cliError("granting sysadmin", err)
	}
	slog.InfoContext(ctx, "made user a sysadmin", "user", admin.Name)
	return nil
}

// initHarvester runs `harvester initdb`. The harvest extension registers its
// main plugin as "harvest"; "ckan_harvester" is its CKAN-to-CKAN harvester.
// Either one enables the step, where the stock CKAN image checks only for
// ckan_harvester.
func (o *Orchestrator) initHarvester(ctx context.Context) error {
	if !o.plugins.HasAny(PluginHarvest, PluginCKANHarvester) {
		return skip("harvest plugin not enabled")
	}
	return o.initExtension(ctx, ckan.Harvester)
}

// initSpatial needs both spatial plugins. After `spatial initdb` the PostGIS
// objects are handed to the role CKAN connects as.
func (o *Orchestrator) initSpatial(ctx context.Context) error {
	if !o.plugins.Has(PluginSpatialMetadata, PluginSpatialQuery) {
		return skip("spatial_metadata and spatial_query not both enabled")
	}
	if err := o.initExtension(ctx, ckan.Spatial); err != nil {
		return err
	}
	if err := o.primary.ReassignOwnership(ctx, spatialObjects...); err != nil {
		return fmt.Errorf("reassigning spatial tables: %w", err)
	}
	return nil
}

func (o *Orchestrator) initTaxonomy(ctx context.Context) error {
	if !o.plugins.Has(PluginTaxonomy) {
		return skip("taxonomy plugin not enabled")
	}
	return o.initExtension(ctx, ckan.Taxonomy)
}

func (o *Orchestrator) initExtension(ctx context.Context, ext ckan.Extension) error {
	slog.InfoContext(ctx, "extension db tables init started", "extension", ext.Name)
	if err := o.ckan.InitExtension(ctx, ext); err != nil {
		return fmt.Errorf("%s init: %w", ext.Name, err)
	}
	slog.InfoContext(ctx, "extension db tables init ended", "extension", ext.Name)
	return nil
}
