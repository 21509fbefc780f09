package version

// Set at build time with -ldflags "-X .../internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

// String formats the version the way the binaries print it.
func String(name string) string {
	return name + " " + Version + " (" + Commit + ")"
}
