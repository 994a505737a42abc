package resolver

import (
	"fmt"
	"runtime"
)

var archTriples = map[string]string{
	"amd64":   "x86_64",
	"arm64":   "aarch64",
	"386":     "i686",
	"arm":     "armv7",
	"riscv64": "riscv64gc",
	"ppc64le": "powerpc64le",
	"s390x":   "s390x",
}

var osTriples = map[string]string{
	"linux":   "unknown-linux-gnu",
	"darwin":  "apple-darwin",
	"windows": "pc-windows-msvc",
	"freebsd": "unknown-freebsd",
}

// PlatformFor maps a GOOS/GOARCH pair onto the target triple used to name
// prebuilt artifacts, e.g. x86_64-unknown-linux-gnu.
func PlatformFor(goos, goarch string) (string, error) {
	arch, ok := archTriples[goarch]
	if !ok {
		return "", fmt.Errorf("unsupported architecture %q", goarch)
	}
	sys, ok := osTriples[goos]
	if !ok {
		return "", fmt.Errorf("unsupported operating system %q", goos)
	}
	if goos == "linux" && goarch == "arm" {
		sys = "unknown-linux-gnueabihf"
	}
	return arch + "-" + sys, nil
}

// HostPlatform is the triple of the running binary, or "unknown".
func HostPlatform() string {
	p, err := PlatformFor(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "unknown"
	}
	return p
}
