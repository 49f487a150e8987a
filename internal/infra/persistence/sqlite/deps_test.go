package sqlite

import (
	"go/build"
	"strings"
	"testing"
)

var allowedModuleImports = map[string]struct{}{
	"sfmgraph/pkg/domain": {},
}

func TestImportsAreDomainOrStdlib(t *testing.T) {
	pkg, err := build.Default.ImportDir(".", 0)
	if err != nil {
		t.Fatalf("import dir: %v", err)
	}
	for _, imp := range pkg.Imports {
		if !strings.HasPrefix(imp, "sfmgraph/") {
			continue
		}
		if _, ok := allowedModuleImports[imp]; ok {
			continue
		}
		t.Fatalf("unexpected dependency: %s", imp)
	}
}
