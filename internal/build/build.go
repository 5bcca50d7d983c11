// Package build provides build-time metadata for the openbinder project.
package build

// ProjectName is used to prefix metric names and identify the binary.
const ProjectName = "openbinder"

// MinimumSupportedDatastoreSchemaRevision is the minimum schema revision
// a datastore must be migrated to before the server will report ready.
const MinimumSupportedDatastoreSchemaRevision int64 = 1

// These values are overridden at link time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
