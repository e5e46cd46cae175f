// Package buildenv runs build and check steps inside the project container.
package buildenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"b3cifuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type Mount struct {
	Host      string
	Container string
}

// Invocation describes one container run.
type Invocation struct {
	Image   string
	Command []string
	Env     map[string]string
	Mounts  []Mount
	Flags   []string // extra docker run flags, e.g. --cap-add SYS_PTRACE
}

// Environment executes an invocation and reports its exit status. The error
// is reserved for failures to start the container at all.
type Environment interface {
	Invoke(ctx context.Context, inv Invocation) (int, error)
}

// Args renders the docker run argument list of inv. Env keys are sorted.
func (inv Invocation) Args() []string {
	args := []string{"run", "--rm", "--privileged", "--shm-size=2g", "--platform", "linux/amd64"}
	args = append(args, inv.Flags...)

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+inv.Env[k])
	}
	for _, m := range inv.Mounts {
		args = append(args, "-v", m.Host+":"+m.Container)
	}
	args = append(args, inv.Image)
	return append(args, inv.Command...)
}

type Docker struct {
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func NewDocker(logger *zap.Logger) *Docker {
	return &Docker{logger: logger.Named("docker"), stdout: os.Stdout, stderr: os.Stderr}
}

func (d *Docker) Invoke(ctx context.Context, inv Invocation) (int, error) {
	ctx, tracer := telemetry.StartSpan(ctx, "docker run",
		telemetry.EmptySpanAttributes().WithExtraAttribute("docker.image", inv.Image))
	defer tracer.End()

	cmd := exec.CommandContext(ctx, "docker", inv.Args()...)
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr
	cmd.Env = FilterOtelEnv(os.Environ())

	d.logger.Debug("running container", zap.String("command", cmd.String()))
	err := cmd.Run()
	if err == nil {
		tracer.SetStatus(codes.Ok, "container exited cleanly")
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		d.logger.Warn("container exited with failure",
			zap.String("image", inv.Image), zap.Int("exit_code", exitErr.ExitCode()))
		tracer.SetStatus(codes.Error, "non-zero exit")
		return exitErr.ExitCode(), nil
	}
	tracer.SetStatus(codes.Error, "failed to start container")
	return -1, fmt.Errorf("docker run %s: %w", inv.Image, err)
}

// FilterOtelEnv drops OpenTelemetry settings so child processes do not try
// to export to our collector.
func FilterOtelEnv(env []string) []string {
	var filtered []string
	for _, e := range env {
		if strings.HasPrefix(e, "OTEL_") || strings.HasPrefix(e, "OTLP_") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
