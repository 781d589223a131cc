//go:build !darwin && !linux

package sandbox

import (
	"os/exec"
	"time"
)

const waitDelay = 3 * time.Second

// setupProcessGroup falls back to killing only the direct child.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = waitDelay
}
