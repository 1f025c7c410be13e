//go:build darwin

package procscan

import (
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// DarwinScanner enumerates processes via gopsutil and keeps only those
// owned by the current user's real uid. gopsutil's process enumeration on
// macOS is considerably less reliable than on Linux or Windows; this
// mirrors that uncertainty rather than papering over it.
type DarwinScanner struct {
	cache      *cache
	currentUID uint32
	haveUID    bool
}

// New returns the process scanner for the running OS.
func New() (*DarwinScanner, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resolve own process: %w", err)
	}
	uids, err := self.Uids()
	if err != nil || len(uids) == 0 {
		return &DarwinScanner{cache: newCache()}, nil
	}
	return &DarwinScanner{cache: newCache(), currentUID: uids[0], haveUID: true}, nil
}

func (s *DarwinScanner) Diff() (added, removed []string, err error) {
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

func (s *DarwinScanner) resolve(p *process.Process) (string, bool) {
	if p == nil {
		return "", false
	}

	if s.haveUID {
		uids, err := p.Uids()
		if err != nil || len(uids) == 0 || uids[0] != s.currentUID {
			return "", false
		}
	}

	cmdline, err := p.CmdlineSlice()
	if err != nil || len(cmdline) == 0 {
		return "", false
	}

	path := strings.ReplaceAll(cmdline[0], "\\", "/")
	path = strings.ReplaceAll(path, "\x00", "")
	return path, true
}
