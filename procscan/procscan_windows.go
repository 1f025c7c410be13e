//go:build windows

package procscan

import (
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// WindowsScanner enumerates processes via gopsutil and keeps only those
// owned by the current user, outside Windows' own install directories.
type WindowsScanner struct {
	cache           *cache
	currentUsername string
}

// New returns the process scanner for the running OS.
func New() (*WindowsScanner, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resolve own process: %w", err)
	}
	username, err := self.Username()
	if err != nil {
		return nil, fmt.Errorf("resolve own username: %w", err)
	}
	parts := strings.Split(username, `\`)

	return &WindowsScanner{
		cache:           newCache(),
		currentUsername: parts[len(parts)-1],
	}, nil
}

func (s *WindowsScanner) Diff() (added, removed []string, err error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate processes: %w", err)
	}

	pids := make([]int32, 0, len(procs))
	byPID := make(map[int32]*process.Process, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)
		byPID[p.Pid] = p
	}

	added, removed = s.cache.update(pids, func(pid int32) (string, bool) {
		return s.resolve(byPID[pid])
	})
	return added, removed, nil
}

func (s *WindowsScanner) resolve(p *process.Process) (string, bool) {
	if p == nil {
		return "", false
	}

	username, err := p.Username()
	if err != nil || username == "" {
		return "", false
	}
	parts := strings.Split(username, `\`)
	if parts[len(parts)-1] != s.currentUsername {
		return "", false
	}

	cmdline, err := p.CmdlineSlice()
	if err != nil || len(cmdline) == 0 {
		return "", false
	}
	path := cmdline[0]
	if strings.Contains(path, `:\Windows\`) || strings.Contains(path, `:\Program Files\WindowsApps\`) {
		return "", false
	}

	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\x00", "")
	if !strings.Contains(path, "/") {
		return "", false
	}
	return path, true
}
