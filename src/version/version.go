package version

// Flag carries extra info about the version. It is useful for tracking
// builds while developing and must be empty on release branches.
const Flag = ""

var (
	// Version is the full version string
	Version = "0.3.0"

	// GitCommit is set with --ldflags "-X version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	if Flag != "" {
		Version += "-" + Flag
	}

	if GitCommit != "" {
		Version += "-" + GitCommit[:8]
	}
}
