// Package buildinfo carries build identification stamped in via -ldflags,
// e.g. -ldflags "-X flashctl/internal/buildinfo.Version=v1.2.0".
package buildinfo

// Version is the release tag, if any.
var Version = ""

// Commit is the VCS revision the binary was built from.
var Commit = ""

// Date is the build timestamp.
var Date = ""

// Short returns the most specific identifier available: the release tag,
// else the commit, else a development placeholder.
func Short() string {
	switch {
	case Version != "":
		return Version
	case Commit != "":
		return Commit
	default:
		return "devel"
	}
}
