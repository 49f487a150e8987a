package lock_test

import (
	"testing"

	"sfmgraph/testutil"
)

// The lock manager knows entity IDs only; it must not reach into the store,
// the transaction manager or the service.
func TestLockImportsOnlyLogging(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.OnlyModulePackages("internal/logging"), "lock sits below txn and core")
}
