package qemu

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Monitor is a QMP client over one qemu-system process's monitor socket.
// Unlike a multi-VM manager this package only ever supervises a single
// emulator, so Monitor holds one connection rather than a registry keyed
// by instance id.
type Monitor struct {
	conn    net.Conn
	reader  *bufio.Reader
	mu      sync.Mutex
	pending map[string]chan map[string]any
	closed  chan struct{}
}

// Dial connects to a qemu QMP unix socket, performs the capabilities
// negotiation handshake, and starts the background read loop.
func Dial(socketPath string) (*Monitor, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("qemu: qmp dial %s: %w", socketPath, err)
	}

	m := &Monitor{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[string]chan map[string]any),
		closed:  make(chan struct{}),
	}

	var greeting map[string]any
	if err := m.readInto(&greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qemu: qmp greeting: %w", err)
	}

	go m.readLoop()

	if _, err := m.Execute("qmp_capabilities", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qemu: qmp capabilities negotiation: %w", err)
	}

	return m, nil
}

func (m *Monitor) readInto(v any) error {
	line, err := m.reader.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// Execute sends a QMP command and blocks for its correlated response.
func (m *Monitor) Execute(command string, args map[string]any) (map[string]any, error) {
	id := uuid.NewString()
	payload := map[string]any{"execute": command, "id": id}
	if args != nil {
		payload["arguments"] = args
	}

	ch := make(chan map[string]any, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("qemu: marshal qmp command: %w", err)
	}
	data = append(data, '\n')
	if _, err := m.conn.Write(data); err != nil {
		return nil, fmt.Errorf("qemu: write qmp command: %w", err)
	}

	select {
	case resp := <-ch:
		if errVal, ok := resp["error"]; ok {
			return nil, fmt.Errorf("qemu: qmp command %q failed: %v", command, errVal)
		}
		return resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("qemu: qmp command %q timed out", command)
	case <-m.closed:
		return nil, fmt.Errorf("qemu: qmp connection closed")
	}
}

// SystemPowerdown requests a graceful ACPI shutdown. The guest's own init
// decides how to respond; Launcher.Run enforces the grace-period timeout
// separately.
func (m *Monitor) SystemPowerdown() error {
	_, err := m.Execute("system_powerdown", nil)
	return err
}

func (m *Monitor) readLoop() {
	for {
		var msg map[string]any
		if err := m.readInto(&msg); err != nil {
			close(m.closed)
			return
		}

		if id, ok := msg["id"].(string); ok {
			m.mu.Lock()
			ch, exists := m.pending[id]
			if exists {
				delete(m.pending, id)
			}
			m.mu.Unlock()
			if exists {
				ch <- msg
			}
			continue
		}
		// Asynchronous events (e.g. SHUTDOWN) are otherwise observed by
		// watching the process exit in Launcher.Run, so they're dropped
		// here rather than routed to a handler.
	}
}

// Close releases the underlying connection.
func (m *Monitor) Close() error {
	return m.conn.Close()
}
