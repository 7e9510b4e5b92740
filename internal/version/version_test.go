package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("expected 12 characters, got %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("expected short commit unchanged, got %q", got)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	info := Resolve()
	if info.Version == "" {
		t.Fatal("expected a non-empty version")
	}
	if !strings.HasPrefix(info.GoVersion, "go") && !strings.HasPrefix(info.GoVersion, "devel") {
		t.Fatalf("unexpected go version %q", info.GoVersion)
	}
	if len(info.LayoutVersions) != 2 {
		t.Fatalf("expected two layout versions, got %v", info.LayoutVersions)
	}
	if !strings.HasPrefix(String(), info.Version) {
		t.Fatalf("expected String to start with %q, got %q", info.Version, String())
	}
}
