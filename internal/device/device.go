// Package device answers how many GPUs the host exposes.
package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Static reports a fixed device count.
type Static int

func (s Static) Count(context.Context) (int, error) {
	if s < 0 {
		return 0, fmt.Errorf("device count cannot be negative: given %d", int(s))
	}
	return int(s), nil
}

// NvidiaSMI counts the devices listed by `nvidia-smi --list-gpus`.
type NvidiaSMI struct {
	// Path of the nvidia-smi binary. Defaults to "nvidia-smi" looked up in PATH.
	Path string
}

func (n NvidiaSMI) Count(ctx context.Context) (int, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "--list-gpus")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to run %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return countGPULines(out), nil
}

// countGPULines counts the lines of the form "GPU <n>: <name> (UUID: ...)".
func countGPULines(out []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.HasPrefix(strings.TrimSpace(sc.Text()), "GPU ") {
			n++
		}
	}
	return n
}
