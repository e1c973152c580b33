package mcp

import "runtime"

// LaunchResolver maps a configured command and argument list to the
// executable and arguments actually handed to the operating system.
// Platform quirks live here so the protocol code stays portable.
type LaunchResolver func(command string, args []string) (string, []string)

// ResolveLaunch returns the launch resolver for the given GOOS. On
// Windows, npx and node resolve to .cmd shims that cannot be spawned
// directly, so those commands run through cmd.exe instead.
func ResolveLaunch(goos string) LaunchResolver {
	if goos != "windows" {
		return func(command string, args []string) (string, []string) {
			return command, args
		}
	}

	return func(command string, args []string) (string, []string) {
		switch command {
		case "npx", "node":
			return "cmd.exe", append([]string{"/c", command}, args...)
		}
		return command, args
	}
}

// DefaultResolver resolves launches for the platform Squire is running on.
var DefaultResolver = ResolveLaunch(runtime.GOOS)
