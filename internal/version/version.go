// Package version holds the running build's identity, compared against
// release feed entries by the update service and stamped onto bot
// replies.
package version

// Current is overridden at build time via -ldflags; the fallback below
// only matters for local builds run straight out of the source tree.
var Current = "0.1.0"
