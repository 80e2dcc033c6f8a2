package ckan

import "regexp"

// Extension names the init subcommand of an optional CKAN extension.
type Extension struct {
	Name string
	Args []string
}

var (
	Harvester = Extension{Name: "harvester", Args: []string{"harvester", "initdb"}}
	Spatial   = Extension{Name: "spatial", Args: []string{"spatial", "initdb"}}
	Taxonomy  = Extension{Name: "taxonomy", Args: []string{"taxonomy", "init"}}
)

// connectDirective matches the psql meta-command that set-permissions emits
// to switch database. It is not SQL and a server session rejects it.
var connectDirective = regexp.MustCompile(`\\connect "(.*)"`)

// PermissionsScript is SQL produced by `ckan datastore set-permissions`.
//
// It is the only path by which SQL text generated outside this program is
// executed, and it is trusted because its sole producer is the CKAN CLI
// installed in the same image. Values are only created by
// Runner.DatastorePermissions.
type PermissionsScript struct {
	raw []byte
}

// SQL returns the script with psql meta-commands removed.
func (s PermissionsScript) SQL() string {
	return string(connectDirective.ReplaceAll(s.raw, nil))
}
