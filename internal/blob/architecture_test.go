package blob

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyBlobPackageImportsInfra keeps the concrete backends behind the
// blob.Store interface: only this package may import them.
func TestOnlyBlobPackageImportsInfra(t *testing.T) {
	const infraPrefix = "sfmgraph/internal/infra/blob"
	const allowedPrefix = "sfmgraph/internal/blob"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "sfmgraph/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg.PkgPath, allowedPrefix) || strings.HasPrefix(pkg.PkgPath, infraPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if importPath == infraPrefix || strings.HasPrefix(importPath, infraPrefix+"/") {
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return
	}
	violations := make([]string, 0, len(seen))
	for v := range seen {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("forbidden import of infra blob package: %s", v)
	}
}
