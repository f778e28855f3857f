package buildinfo

// Version is stamped by the release packager via -ldflags -X.
var Version = "0.0.0-dev"
