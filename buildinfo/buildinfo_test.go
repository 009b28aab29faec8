package buildinfo

import (
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit, built string) {
	t.Helper()
	oldVersion, oldCommit, oldBuilt := Version, Commit, BuildTime
	Version, Commit, BuildTime = version, commit, built
	t.Cleanup(func() {
		Version, Commit, BuildTime = oldVersion, oldCommit, oldBuilt
	})
}

// TestFullVersion tests the commit suffix.
func TestFullVersion(t *testing.T) {
	stamp(t, "1.2.0", "", "")
	if got := FullVersion(); got != "1.2.0" {
		t.Errorf("Expected 1.2.0, got %q", got)
	}

	stamp(t, "1.2.0", "abc1234", "")
	if got := FullVersion(); got != "1.2.0 (abc1234)" {
		t.Errorf("Expected the commit suffix, got %q", got)
	}
	if got := UserAgent(); got != "davi-pcsc-bridge/1.2.0" {
		t.Errorf("Unexpected user agent %q", got)
	}
}

// TestBuildInfo tests the -version output.
func TestBuildInfo(t *testing.T) {
	stamp(t, "1.2.0", "abc1234", "2026-01-02T03:04:05Z")
	info := BuildInfo()

	for _, want := range []string{"davi-pcsc-bridge 1.2.0 (abc1234)", Description, "Built: 2026-01-02T03:04:05Z"} {
		if !strings.Contains(info, want) {
			t.Errorf("Expected %q in build info:\n%s", want, info)
		}
	}
	if IsDev() {
		t.Error("Expected a stamped build not to be dev")
	}

	stamp(t, devVersion, "", "")
	if !IsDev() {
		t.Error("Expected an unstamped build to be dev")
	}
	if strings.Contains(BuildInfo(), "Built:") {
		t.Error("Expected no build time line without a stamp")
	}
}
