// Package main is the entry point for the CKAN prerun service. It waits for
// the databases, search index and cache a CKAN container depends on, then
// initialises the CKAN database, plugins, datastore permissions, sysadmin
// account and extension tables before the web process starts.
package main

func main() {
	Execute()
}
