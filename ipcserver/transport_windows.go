//go:build windows

package ipcserver

import (
	"net"

	"github.com/Microsoft/go-winio"
)

const pipeName = `\\.\pipe\discord-ipc-0`

func listen() (net.Listener, error) {
	return winio.ListenPipe(pipeName, nil)
}
