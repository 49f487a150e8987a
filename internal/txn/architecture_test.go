package txn_test

import (
	"testing"

	"sfmgraph/testutil"
)

func TestTxnDoesNotDependOnLocksOrStore(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.OnlyModulePackages("internal/logging"), "locks are attached by core through OnClose hooks")
}
