// Package version records the release version of keel.
package version

const Version = "0.1.0"
