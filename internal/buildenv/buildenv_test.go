package buildenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvocationArgs(t *testing.T) {
	inv := Invocation{
		Image:   "gcr.io/oss-fuzz-base/base-runner",
		Command: []string{"test_all"},
		Env:     map[string]string{"SANITIZER": "address", "CIFUZZ": "True"},
		Mounts:  []Mount{{Host: "/ws/out", Container: "/out"}},
		Flags:   []string{"--cap-add", "SYS_PTRACE"},
	}

	assert.Equal(t, []string{
		"run", "--rm", "--privileged", "--shm-size=2g", "--platform", "linux/amd64",
		"--cap-add", "SYS_PTRACE",
		"-e", "CIFUZZ=True",
		"-e", "SANITIZER=address",
		"-v", "/ws/out:/out",
		"gcr.io/oss-fuzz-base/base-runner",
		"test_all",
	}, inv.Args())
}

func TestFilterOtelEnv(t *testing.T) {
	got := FilterOtelEnv([]string{"PATH=/bin", "OTEL_EXPORTER_OTLP_ENDPOINT=x", "OTLP_TOKEN=y", "HOME=/root"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, got)
}
