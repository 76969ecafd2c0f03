package worker

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the extractor's console window.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
