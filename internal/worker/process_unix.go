//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// configureProcess starts the extractor in its own process group so a
// terminal interrupt reaches only the worker, which still has to report.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
