package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Version == "" {
		t.Error("Version should not be empty")
	}
	if info.GoVersion == "" {
		t.Error("GoVersion should not be empty")
	}
	expectedPlatform := runtime.GOOS + "/" + runtime.GOARCH
	if info.Platform != expectedPlatform {
		t.Errorf("Expected platform %s, got %s", expectedPlatform, info.Platform)
	}
}

func TestString(t *testing.T) {
	origVersion, origCommit, origDate := Version, GitCommit, BuildDate
	defer func() {
		Version, GitCommit, BuildDate = origVersion, origCommit, origDate
	}()

	Version = "1.0.0"
	GitCommit = ""
	BuildDate = ""
	s := String()
	if !strings.HasPrefix(s, "1.0.0 (go:") {
		t.Errorf("unexpected version string without git info: %s", s)
	}

	GitCommit = "abcdef0123456789"
	BuildDate = "2025-01-01"
	s = String()
	if !strings.Contains(s, "commit: abcdef0") {
		t.Errorf("version string should carry the short commit: %s", s)
	}
}

func TestShort(t *testing.T) {
	origVersion, origCommit := Version, GitCommit
	defer func() {
		Version, GitCommit = origVersion, origCommit
	}()

	Version = "1.0.0"
	GitCommit = ""
	if Short() != "1.0.0" {
		t.Errorf("Short() = %s, want 1.0.0", Short())
	}

	GitCommit = "abcdef0123456789"
	if Short() != "1.0.0-abcdef0" {
		t.Errorf("Short() = %s, want 1.0.0-abcdef0", Short())
	}
}
