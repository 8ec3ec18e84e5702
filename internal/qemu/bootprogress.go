package qemu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// BootState mirrors the guest-reported boot milestones read off a
// virtio-serial side channel, supplementing spec.md §4.D with the
// boot-progress reporting the original implementation's supervisor
// exposed to its CLI.
type BootState int

const (
	BootStateWaitingForSystemd BootState = iota
	BootStateReachedTarget
	BootStateReady
)

// BootEvent is one parsed status line. Target is populated only for
// BootStateReachedTarget.
type BootEvent struct {
	State  BootState
	Target string
}

// NewBootProgressSpinner creates the CLI spinner shown while an
// ephemeral VM boots, matching the "Starting VM..." presentation the
// original tool used.
func NewBootProgressSpinner(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("Starting VM..."),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// WatchBootProgress reads key=value status lines from the side channel
// at path — the guest's init writes READY and
// X_SYSTEMD_UNIT_ACTIVE=<unit> lines as it boots — and sends a BootEvent
// for each recognized line. It returns when ctx is done or the channel
// file reaches EOF.
func WatchBootProgress(ctx context.Context, path string, events chan<- BootEvent) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("qemu: open boot-progress channel: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "READY":
			events <- BootEvent{State: BootStateReady}
		case "X_SYSTEMD_UNIT_ACTIVE":
			events <- BootEvent{State: BootStateReachedTarget, Target: value}
		}
	}
	return scanner.Err()
}
