//go:build windows || darwin

package clientprops

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

// hostOSVersion asks gopsutil for the platform version string. The
// original shells out to sys.getwindowsversion()/sw_vers per platform;
// gopsutil's host.Info already does the equivalent probing portably and is
// already a dependency of procscan's Windows/macOS scanners.
func hostOSVersion(arch *string) string {
	if runtime.GOOS == "darwin" {
		*arch = "arm64"
	}
	info, err := host.Info()
	if err != nil {
		return ""
	}
	return info.PlatformVersion
}
