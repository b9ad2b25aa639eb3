package version

import (
	"strings"
	"testing"
)

// TestFlagEmpty fails if version.Flag is not empty. Release branches must
// carry a bare version number; the flag is only for development builds.
func TestFlagEmpty(t *testing.T) {
	if len(Flag) > 0 {
		t.Fatalf("Version Flag is not empty: %s", Flag)
	}
}

func TestVersionNumberPrefix(t *testing.T) {
	if !strings.HasPrefix(Version, "0.") {
		t.Fatalf("Version does not start with a number: %s", Version)
	}
}
