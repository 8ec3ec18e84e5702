package ephemeral

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cgwalters/bcvk/internal/cache"
	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/credentials"
	"github.com/cgwalters/bcvk/internal/imageinspect"
	"github.com/cgwalters/bcvk/internal/logging"
	"github.com/cgwalters/bcvk/internal/sshkey"
)

// SelfImage is the reference the binary's own container image ships in,
// used to start the privileged container that hosts the Inner Supervisor
// (spec.md §9 "Cyclic inner-outer relationship").
type SelfImage struct {
	Reference string
	// InnerArgs are the entrypoint arguments that select inner-supervisor
	// mode plus whatever flags it needs to find the target image inside
	// the container (e.g. the image reference it was launched for) and
	// to translate the run request's VM-level fields (disks, one-shot
	// command, kernel args, network mode) and the already-encoded
	// credential bundle into the inner supervisor's own flags.
	InnerArgs func(targetRef string, req RunRequest, creds []credentials.Credential) []string
}

// Orchestrator binds components A through F into the end-to-end
// ephemeral-run operation (spec.md §4.G).
type Orchestrator struct {
	Runtime   containerrt.Runtime
	Inspector imageinspect.Inspecting
	FS        imageinspect.GlobFS
	Cache     *cache.Root
	Self      SelfImage
	Label     string
	Logger    *slog.Logger
}

// Run executes spec.md §4.G's seven-step flow for a single image
// reference and validated run request.
func (o *Orchestrator) Run(ctx context.Context, ref string, req RunRequest) (Instance, error) {
	logger := logging.Ensure(o.Logger).With("component", "ephemeral", "ref", ref)

	// Step 1: inspect, fail fast.
	facts, err := imageinspect.Inspect(ctx, ref, o.Inspector, o.FS, logger)
	if err != nil {
		return Instance{}, fmt.Errorf("ephemeral: inspect: %w", err)
	}

	// Step 2: validate.
	if err := req.Validate(); err != nil {
		return Instance{}, fmt.Errorf("ephemeral: validate request: %w", err)
	}

	// Step 5 (name chosen early so it can label step 3's cache
	// directory; spec.md doesn't order 3 vs 5 strictly, but both must
	// precede step 6).
	name := req.ContainerName
	if name == "" {
		name, err = generateContainerName(facts.ImageID)
		if err != nil {
			return Instance{}, fmt.Errorf("ephemeral: generate container name: %w", err)
		}
	}

	release, err := o.Cache.Lock(name)
	if err != nil {
		return Instance{}, fmt.Errorf("ephemeral: %w", err)
	}
	defer release()

	instance := Instance{Request: req, Status: StatusSpawning}

	// Step 3: optional keypair.
	var authorizedKey []byte
	if req.GenerateKeypair {
		pair, err := sshkey.Generate()
		if err != nil {
			return Instance{}, fmt.Errorf("ephemeral: generate keypair: %w", err)
		}
		instanceDir, err := o.Cache.InstanceDir(name)
		if err != nil {
			return Instance{}, fmt.Errorf("ephemeral: %w", err)
		}
		keyPath, err := o.Cache.WritePrivateKey(instanceDir, pair.PrivateKeyPEM)
		if err != nil {
			return Instance{}, fmt.Errorf("ephemeral: %w", err)
		}
		instance.PrivateKeyPath = keyPath
		instance.GeneratedKeyPEM = pair.PrivateKeyPEM
		authorizedKey = pair.AuthorizedKey
	}

	// Step 4: credential bundle.
	var enc credentials.Encoder
	creds, err := enc.Encode(credentials.Request{AuthorizedKeys: authorizedKey})
	if err != nil {
		return Instance{}, fmt.Errorf("ephemeral: encode credentials: %w", err)
	}
	instance.Credentials = creds

	// Step 6: start the container via the Outer Runner.
	spec := o.buildRunSpec(name, ref, facts, req, creds)
	result, err := o.Runtime.Run(ctx, spec)
	if err != nil {
		o.cleanupOnFailure(name, instance, logger)
		return Instance{}, fmt.Errorf("ephemeral: start container: %w", err)
	}
	instance.ContainerID = result.ContainerID
	instance.Status = StatusRunning

	// Step 7.
	if req.Detach {
		return instance, nil
	}

	exitCode, err := o.Runtime.Wait(ctx, instance.ContainerID)
	instance.Status = StatusExiting
	if err != nil {
		return instance, fmt.Errorf("ephemeral: wait: %w", err)
	}
	instance.ExitCode = exitCode
	instance.Status = StatusExited

	if req.AutoRemove {
		if err := o.Runtime.Remove(ctx, instance.ContainerID); err != nil {
			logger.Warn("auto-remove failed", "error", err)
		}
	}

	return instance, nil
}

func (o *Orchestrator) buildRunSpec(name, targetRef string, facts imageinspect.Facts, req RunRequest, creds []credentials.Credential) containerrt.RunSpec {
	var binds []containerrt.BindMount
	for _, bm := range req.BindMounts {
		binds = append(binds, containerrt.BindMount{
			HostPath:      bm.HostPath,
			ContainerPath: "/run/bcvk/binds/" + bm.Tag,
			ReadOnly:      !bm.Writable,
		})
	}
	for _, disk := range req.Disks {
		binds = append(binds, containerrt.BindMount{
			HostPath:      disk.HostFile,
			ContainerPath: containerrt.ContainerDisksDir + "/" + disk.Tag,
			ReadOnly:      false,
		})
	}
	for _, sc := range req.SideChannels {
		binds = append(binds, containerrt.BindMount{
			HostPath:      sc.HostFile,
			ContainerPath: containerrt.ContainerSideChannelsDir + "/" + sc.Tag,
			ReadOnly:      false,
		})
	}
	if req.InjectedUnitDir != "" {
		binds = append(binds, containerrt.BindMount{
			HostPath:      req.InjectedUnitDir,
			ContainerPath: containerrt.ContainerUnitsDir,
			ReadOnly:      true,
		})
	}

	var innerArgs []string
	if o.Self.InnerArgs != nil {
		innerArgs = o.Self.InnerArgs(targetRef, req, creds)
	}

	spec := containerrt.RunSpec{
		Image:           o.Self.Reference,
		Args:            innerArgs,
		Name:            name,
		Label:           o.Label,
		Detach:          req.Detach,
		Privileged:      true,
		DeviceKVM:       true,
		HostUsrRO:       containerrt.ContainerHostUsrPath,
		TargetRootRO:    facts.MergedFSPath,
		ExtraBindMounts: binds,
		Stdin:           (req.ConsoleAttach || req.DebugShell) && !req.Detach,
		Stdout:          !req.Detach,
		Stderr:          !req.Detach,
	}
	if req.HostStorageRO {
		spec.StorageRO = containerrt.ContainerStoragePath
	}
	return spec
}

// cleanupOnFailure removes any generated artifacts when step 6 fails,
// per spec.md §4.G step 6 ("on failure, clean up generated artifacts")
// and §5's cancellation semantics (partially-created private keys are
// reclaimed). Cleanup errors are logged and suppressed so the original
// failure remains the reported cause (spec.md §7 propagation policy).
func (o *Orchestrator) cleanupOnFailure(name string, instance Instance, logger *slog.Logger) {
	if instance.PrivateKeyPath == "" {
		return
	}
	if err := o.Cache.RemoveInstanceDir(name); err != nil {
		logger.Warn("failed to remove generated private key after failed start", "error", err, "path", instance.PrivateKeyPath)
		return
	}
	logger.Debug("removed generated private key after failed start", "path", instance.PrivateKeyPath)
}

func generateContainerName(imageID string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	digest := imageID
	if idx := strings.IndexByte(digest, ':'); idx >= 0 {
		digest = digest[idx+1:]
	}
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return fmt.Sprintf("bcvk-%s-%s", digest, hex.EncodeToString(suffix)), nil
}
