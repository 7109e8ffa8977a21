package version

// Current defines the application version.
// It defaults to "dev" but is overwritten by the Makefile using -ldflags.
var Current = "dev"

// AppName is the service name reported to telemetry and structured logs.
const AppName = "cartograph"
