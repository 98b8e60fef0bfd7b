//go:build testing

package build

// Release is set to "testing" when built with the testing build tag. All of
// the build.Select timing constants shrink substantially so that test suites
// don't block on real wall-clock timers.
var Release = "testing"

// DEBUG is true for testing builds so invariant violations panic immediately
// instead of only logging.
var DEBUG = true
