// Package build provides build information that is linked into the application. Other
// packages within this project can use this information in logs etc..
package build

var (
	// Version is the build version of the binary (e.g. v0.2.3 or an empty string).
	Version = "dev"

	// Commit is the git commit hash (sha) of the build.
	Commit = "none"

	// Date is the date when the binary was built.
	Date = "unknown"

	// ProjectName is the project name, used as metrics namespace.
	ProjectName = "jingle"
)

// MinimumSupportedDatastoreSchemaRevision is the lowest goose revision of the SQL schema
// the datastores can read.
const MinimumSupportedDatastoreSchemaRevision int64 = 1
