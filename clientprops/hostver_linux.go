//go:build linux

package clientprops

import (
	"os/exec"
	"strings"
)

// hostOSVersion shells out to uname -r, the same kernel release string the
// Linux desktop client reports.
func hostOSVersion(arch *string) string {
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
