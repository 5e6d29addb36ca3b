package kilat

// Version is the library version, reported in the default User-Agent.
var Version = "0.3.0"

// GetVersion returns a human-readable version string.
func GetVersion() string {
	return "kilat v" + Version
}
