package version

// This module contains build information that is patched in during releases
// using the go linker, for example
//
// go build -ldflags "-X github.com/karlmutch/fcserve/version.GitHash=`git rev-parse HEAD`"

var (
	// GitHash is the commit the binary was built from
	GitHash = ""
	// BuildTime is the time at which the binary was built
	BuildTime = ""
)
