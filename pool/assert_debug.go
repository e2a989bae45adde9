//go:build debug

package pool

// debugAssert panics when cond is false. Only compiled into debug builds
// (`go test -tags debug ./...`), per spec.md §7: "implementations must
// assert in debug builds and return gracefully in release builds."
func debugAssert(cond bool, err error) {
	if !cond {
		panic(err)
	}
}
