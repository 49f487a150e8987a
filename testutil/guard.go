// Package testutil holds test helpers that pin the sfmgraph layering: the
// domain package at the bottom, then the store, lock manager and transaction
// manager, with only internal/core allowed to combine them.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// ModulePath is the import path prefix of this module.
const ModulePath = "sfmgraph"

// ImportPredicate reports whether an import path is forbidden.
type ImportPredicate func(importPath string) bool

// AssertNoDirectImports parses every non-test .go file in dir and fails t when
// an import matches forbidden. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden ImportPredicate, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan imports in %s: %v", dir, err)
	}
	failOnViolations(t, "direct import", reason, viols)
}

// AssertNoTransitiveDependency runs `go list -deps` on pattern and fails t
// when any dependency matches forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden ImportPredicate, reason string) {
	t.Helper()
	out, err := goListDeps(pattern)
	if err != nil {
		t.Fatalf("go list -deps %s: %v\n%s", pattern, err, out)
	}
	failOnViolations(t, "transitive dependency", reason, matching(strings.Split(string(out), "\n"), forbidden))
}

// OnlyModulePackages forbids every in-module import except the listed
// packages, given relative to the module root ("pkg/domain").
func OnlyModulePackages(allowed ...string) ImportPredicate {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[ModulePath+"/"+a] = struct{}{}
	}
	return func(path string) bool {
		if !strings.HasPrefix(path, ModulePath+"/") {
			return false
		}
		_, ok := set[path]
		return !ok
	}
}

// InternalImport matches import paths inside an internal/ tree.
func InternalImport(path string) bool {
	return strings.Contains(path, "/internal/") || strings.HasPrefix(path, "internal/")
}

// ThirdPartyImport matches import paths whose first element looks like a host.
func ThirdPartyImport(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return strings.Contains(first, ".")
}

var goListDeps = func(pattern string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pattern).CombinedOutput()
}

func matching(paths []string, forbidden ImportPredicate) []string {
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p != "" && forbidden(p) {
			out = append(out, p)
		}
	}
	return out
}

func directImportViolations(dir string, forbidden ImportPredicate) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			if p := strings.Trim(imp.Path.Value, `"`); forbidden(p) {
				viols = append(viols, p+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalf interface {
	Fatalf(format string, args ...any)
}

func failOnViolations(t fatalf, kind, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden %s (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
	}
}
