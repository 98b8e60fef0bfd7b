//go:build !dev && !testing

package build

// Release is set to "standard" for a normal build of the node.
var Release = "standard"

// DEBUG is set to false for a standard build; Critical and Severe will not
// panic, only log to stderr.
var DEBUG = false
