package pathnorm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeWindowsNamespaceUNCPaths(t *testing.T) {
	got := Normalize(`\\?\UNC\SERVER\Share\Repo\`)
	want := "//server/share/repo"
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeDriveLetterPaths(t *testing.T) {
	got := Normalize(`C:\Dev\Codex`)
	want := "c:/dev/codex"
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeDeviceNamespacePrefix(t *testing.T) {
	got := Normalize(`\\?\C:\Dev\Codex`)
	want := "c:/dev/codex"
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeNonWindowsPathRetainsCase(t *testing.T) {
	got := Normalize("/Users/Dev/Project/")
	want := "/Users/Dev/Project"
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		`C:\Dev\Codex\`,
		`\\?\UNC\server\share\repo`,
		"/tmp/codex/sub/",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("Normalize(Normalize(%q)) = %q, want %q", in, twice, once)
		}
	}
}

func TestResolveWorkspaceForCwdPrefersLongestRoot(t *testing.T) {
	roots := map[string]string{
		"ws-parent": Normalize("/tmp/codex"),
		"ws-child":  Normalize("/tmp/codex/subdir"),
	}
	got, ok := ResolveWorkspaceForCwd("/tmp/codex/subdir/project", roots)
	if !ok || got != "ws-child" {
		t.Fatalf("ResolveWorkspaceForCwd() = (%q, %v), want (ws-child, true)", got, ok)
	}
}

func TestResolveWorkspaceForCwdMatchesNestedPaths(t *testing.T) {
	roots := map[string]string{"ws-1": Normalize("/tmp/codex")}
	got, ok := ResolveWorkspaceForCwd("/tmp/codex/subdir/project", roots)
	if !ok || got != "ws-1" {
		t.Fatalf("ResolveWorkspaceForCwd() = (%q, %v), want (ws-1, true)", got, ok)
	}
}

func TestResolveWorkspaceForCwdRejectsEmptyRoots(t *testing.T) {
	roots := map[string]string{"ws-1": ""}
	if _, ok := ResolveWorkspaceForCwd("/tmp/anything", roots); ok {
		t.Fatalf("expected no match against an empty root")
	}
}

func TestResolveWorkspaceForCwdNoMatch(t *testing.T) {
	roots := map[string]string{"ws-a": Normalize("/tmp/project-a")}
	if _, ok := ResolveWorkspaceForCwd("/tmp/project-b", roots); ok {
		t.Fatalf("expected no match")
	}
}

func TestNormalizeForMatchingCanonicalizesSymlinks(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "project")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(project, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got := NormalizeForMatching(link)
	want := Normalize(project)
	if got != want {
		t.Fatalf("NormalizeForMatching(link) = %q, want %q", got, want)
	}
}
