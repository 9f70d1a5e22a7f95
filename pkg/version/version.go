package version

// version is set at build time with -ldflags "-X github.com/Qadosh7/Taco/pkg/version.version=..."
var version = "dev"

// Get returns the build version.
func Get() string {
	return version
}
