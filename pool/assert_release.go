//go:build !debug

package pool

// debugAssert is a no-op in release builds; the caller is expected to
// handle cond==false gracefully without crashing.
func debugAssert(cond bool, err error) {}
