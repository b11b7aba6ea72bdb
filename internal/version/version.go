// Package version carries the build version, set with
// -ldflags "-X github.com/NodePath81/rmbt/internal/version.Version=...".
package version

var Version = "dev"
