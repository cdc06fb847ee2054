package querycache

import "reflect"

// shareValue implements structural sharing: when freshly fetched data is
// deep-equal to what the entry already holds, the previous reference is
// retained so downstream consumers relying on identity skip recomputation.
// The second return reports whether the previous reference was kept.
func shareValue(eq func(previous, next any) bool, previous any, hadPrevious bool, next any) (any, bool) {
	if !hadPrevious {
		return next, false
	}
	if eq(previous, next) {
		return previous, true
	}
	return next, false
}

// deepEqual is the default structural-sharing comparer.
func deepEqual(previous, next any) bool {
	return reflect.DeepEqual(previous, next)
}
