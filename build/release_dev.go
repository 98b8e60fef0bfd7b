//go:build dev

package build

// Release is set to "dev" when built with the dev build tag.
var Release = "dev"

// DEBUG is true for dev builds so invariant violations panic immediately.
var DEBUG = true
