package ipc

import (
	"os"
	"path/filepath"
)

// SocketFile is the socket name inside the runtime directory.
const SocketFile = "bongo.sock"

// SocketPath resolves the control socket: override if set, then
// $BONGO_SOCKET, then $XDG_RUNTIME_DIR/bongo.sock, then the temp dir.
func SocketPath(override string) string {
	return socketPath(override, os.Getenv)
}

func socketPath(override string, getenv func(string) string) string {
	if override != "" {
		return override
	}
	if p := getenv("BONGO_SOCKET"); p != "" {
		return p
	}
	if dir := getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, SocketFile)
	}
	return filepath.Join(os.TempDir(), SocketFile)
}
