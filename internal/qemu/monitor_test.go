package qemu

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeQMPServer imitates just enough of qemu's QMP handshake and
// system_powerdown response for Monitor to be exercised without a real
// emulator.
func fakeQMPServer(t *testing.T, socketPath string) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		writeLine(conn, map[string]any{"QMP": map[string]any{"version": "1.0"}})

		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(line, &req); err != nil {
				return
			}
			writeLine(conn, map[string]any{"return": map[string]any{}, "id": req["id"]})
		}
	}()
}

func writeLine(conn net.Conn, v map[string]any) {
	data, _ := json.Marshal(v)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func TestMonitorDialAndExecute(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "qmp.sock")
	fakeQMPServer(t, socketPath)

	// Give the listener a moment to bind.
	time.Sleep(20 * time.Millisecond)

	mon, err := Dial(socketPath)
	require.NoError(t, err)
	defer mon.Close()

	require.NoError(t, mon.SystemPowerdown())
}
