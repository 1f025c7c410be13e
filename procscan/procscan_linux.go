//go:build linux

package procscan

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LinuxScanner reads /proc directly instead of going through gopsutil,
// since a per-pid status/cmdline read is all this needs and avoiding the
// extra dependency keeps the hot path (polled on every detection tick)
// cheap.
type LinuxScanner struct {
	cache *cache
}

// New returns the process scanner for the running OS.
func New() (*LinuxScanner, error) {
	return &LinuxScanner{cache: newCache()}, nil
}

func (s *LinuxScanner) Diff() (added, removed []string, err error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, nil, fmt.Errorf("read /proc: %w", err)
	}

	pids := make([]int32, 0, len(entries))
	for _, entry := range entries {
		pid, convErr := strconv.Atoi(entry.Name())
		if convErr != nil {
			continue
		}
		pids = append(pids, int32(pid))
	}

	added, removed = s.cache.update(pids, resolveLinuxProcess)
	return added, removed, nil
}

func resolveLinuxProcess(pid int32) (string, bool) {
	uid, err := readUID(pid)
	if err != nil || uid < 1000 {
		return "", false
	}

	cmdline, err := readCmdline(pid)
	if err != nil || cmdline == "" {
		return "", false
	}
	if strings.HasPrefix(cmdline, "/usr/lib") || strings.HasPrefix(cmdline, "bash") {
		return "", false
	}

	path := strings.ReplaceAll(cmdline, "\\", "/")
	path = strings.ReplaceAll(path, "\x00", "")
	if !strings.Contains(path, "/") {
		return "", false
	}
	return path, true
}

func readUID(pid int32) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed Uid line: %q", line)
		}
		return strconv.Atoi(fields[1])
	}
	return 0, fmt.Errorf("no Uid line in status")
}

// readCmdline reads the executable portion of /proc/pid/cmdline: argv
// joined by NUL, truncated at the first " -" or NUL-"-" argument
// separator, then truncated again right after ".exe" if present (Wine
// processes report a Windows-style path with native arguments appended).
func readCmdline(pid int32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	if i := bytes.Index(data, []byte(" -")); i >= 0 {
		data = data[:i]
	}
	if i := bytes.Index(data, []byte("\x00-")); i >= 0 {
		data = data[:i]
	}
	if i := bytes.Index(data, []byte(".exe")); i >= 0 {
		data = data[:i+4]
	}
	return string(data), nil
}
