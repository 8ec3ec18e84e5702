package diskinstall

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cgwalters/bcvk/internal/ephemeral"
	"github.com/cgwalters/bcvk/internal/hostexec"
)

// installerUnitFilename is the one-shot unit's file name inside the
// injected-unit directory; bcvk-install.service sorts after the base
// image's own units alphabetically, which does not matter for a one-shot
// unit enabled explicitly via WantedBy, but keeps the name predictable
// for diagnosis.
const installerUnitFilename = "bcvk-install.service"

// generateBootcInstallCommand builds the `bootc install to-disk`
// invocation, grounded on the original implementation's
// generate_bootc_install_command: it pulls the source image from the
// host's container storage (passed through read-only and re-exported to
// the guest under HostStorageTag) rather than re-pulling over the
// network, and installs to the stable virtio-blk device path the Disk
// Installer's disk-attach tag guarantees.
func generateBootcInstallCommand(req Request) []string {
	sourceImgref := "containers-storage:" + req.SourceImage
	storagePath := ephemeral.GuestMountPath(ephemeral.HostStorageTag)

	args := []string{
		"env",
		"STORAGE_OPTS=additionalimagestore=" + storagePath,
		"bootc", "install", "to-disk",
		"--generic-image",
		"--source-imgref", sourceImgref,
	}
	if req.Options.Filesystem != "" {
		args = append(args, "--filesystem", req.Options.Filesystem)
	}
	if req.Options.RootSizeBytes > 0 {
		args = append(args, "--root-size", fmt.Sprintf("%d", req.Options.RootSizeBytes))
	}
	args = append(args, "/dev/disk/by-id/virtio-"+outputDiskTag)

	return []string{
		"mount -t tmpfs tmpfs /var/lib/containers",
		strings.Join(args, " "),
	}
}

// installerUnitContent renders the one-shot systemd unit (spec.md §4.H
// step 3): it runs the bootc install sequence, reports success by letting
// the unit's own clean exit drive the target poweroff.target transition
// (kernel arg already arranges that), and reports failure by writing a
// FAIL: line to the side channel and then exiting with the installer's
// non-zero code.
func installerUnitContent(req Request) string {
	commands := generateBootcInstallCommand(req)
	script := strings.Join(commands, " && ")
	reportOK := hostexec.ShellReportCommand(installStatusTag, true, "")
	reportFailTemplate := "RC=$?; " + hostexec.ShellReportCommand(installStatusTag, false, "bootc install exited $RC") + "; exit $RC"

	execStart := fmt.Sprintf(`/bin/sh -c "(%s && %s) || (%s)"`, script, reportOK, reportFailTemplate)

	return fmt.Sprintf(`[Unit]
Description=bcvk disk installer
DefaultDependencies=no
After=basic.target
Before=shutdown.target

[Service]
Type=oneshot
ExecStart=%s
StandardOutput=journal+console
StandardError=journal+console

[Install]
WantedBy=default.target
`, execStart)
}

// prepareInstallerUnit writes the one-shot unit into a fresh temp
// directory (spec.md §4.G step 4's injected-unit-directory contract) and
// creates the empty side-channel capture file the host reads after the
// VM exits. The caller owns removing the returned directory.
func prepareInstallerUnit(req Request) (unitDir, statusPath string, err error) {
	unitDir, err = os.MkdirTemp("", "bcvk-install-unit-")
	if err != nil {
		return "", "", fmt.Errorf("create unit directory: %w", err)
	}

	content := installerUnitContent(req)
	unitPath := filepath.Join(unitDir, installerUnitFilename)
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		os.RemoveAll(unitDir)
		return "", "", fmt.Errorf("write installer unit: %w", err)
	}

	statusFile, err := os.CreateTemp("", "bcvk-install-status-")
	if err != nil {
		os.RemoveAll(unitDir)
		return "", "", fmt.Errorf("create status capture file: %w", err)
	}
	statusPath = statusFile.Name()
	statusFile.Close()

	return unitDir, statusPath, nil
}
