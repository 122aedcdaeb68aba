// Package debug provides global debug logging flags
package debug

import "fmt"

// Enabled controls whether debug logging is active
var Enabled bool

// Tracking controls whether per-frame detection logs are shown.
// Use --debug-tracking flag to enable these very verbose logs
var Tracking bool

// Rules controls whether per-tick rule evaluation is logged.
// Use --debug-rules flag to enable
var Rules bool

// Log prints a message only if debug mode is enabled
func Log(format string, args ...interface{}) {
	if Enabled {
		fmt.Printf(format, args...)
	}
}

// TrackLog prints a message only if tracking debug mode is enabled
func TrackLog(format string, args ...interface{}) {
	if Tracking {
		fmt.Printf(format, args...)
	}
}

// RuleLog prints a message only if rule debug mode is enabled
func RuleLog(format string, args ...interface{}) {
	if Rules {
		fmt.Printf(format, args...)
	}
}
