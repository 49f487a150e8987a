package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recorder struct {
	msg string
}

func (r *recorder) Fatalf(format string, _ ...any) { r.msg = format }

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestOnlyModulePackages(t *testing.T) {
	forbidden := OnlyModulePackages("pkg/domain", "internal/logging")
	cases := []struct {
		in   string
		want bool
	}{
		{"sfmgraph/pkg/domain", false},
		{"sfmgraph/internal/logging", false},
		{"sfmgraph/internal/core", true},
		{"sfmgraph/internal/txn", true},
		{"github.com/google/uuid", false},
		{"context", false},
	}
	for _, c := range cases {
		if got := forbidden(c.in); got != c.want {
			t.Fatalf("OnlyModulePackages(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestImportClassifiers(t *testing.T) {
	if !InternalImport("sfmgraph/internal/lock") || InternalImport("sfmgraph/pkg/domain") {
		t.Fatal("InternalImport misclassified")
	}
	if !ThirdPartyImport("github.com/google/uuid") || ThirdPartyImport("log/slog") {
		t.Fatal("ThirdPartyImport misclassified")
	}
}

func TestDirectImportsSkipTestsAndSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "x.go", "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println() }\n")
	writeFile(t, dir, "x_test.go", "package tmp\nimport \"sfmgraph/internal/core\"\n")
	writeFile(t, dir, "notes.txt", "import \"sfmgraph/internal/core\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "sub"), "y.go", "package sub\nimport \"sfmgraph/internal/core\"\n")

	AssertNoDirectImports(t, dir, OnlyModulePackages(), "only fmt is imported by non-test files")
}

func TestDirectImportViolationIsReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "x.go", "package tmp\nimport _ \"sfmgraph/internal/core\"\n")

	viols, err := directImportViolations(dir, OnlyModulePackages("pkg/domain"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "sfmgraph/internal/core (in x.go)") {
		t.Fatalf("unexpected violations %v", viols)
	}

	rec := &recorder{}
	failOnViolations(rec, "direct import", "layering", viols)
	if !strings.Contains(rec.msg, "forbidden") {
		t.Fatalf("expected failure, got %q", rec.msg)
	}
}

func TestTransitiveDependenciesUseGoList(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })
	goListDeps = func(string) ([]byte, error) {
		return []byte("context\nsfmgraph/pkg/domain\n\nsfmgraph/internal/core\n"), nil
	}
	out, _ := goListDeps(".")
	got := matching(strings.Split(string(out), "\n"), OnlyModulePackages("pkg/domain"))
	if len(got) != 1 || got[0] != "sfmgraph/internal/core" {
		t.Fatalf("unexpected matches %v", got)
	}
	AssertNoTransitiveDependency(t, ".", func(p string) bool { return p == "sfmgraph/internal/txn" }, "txn absent")
}
