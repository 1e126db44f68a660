//go:build !unix

package executor

import "os/exec"

func setProcGroup(cmd *exec.Cmd) {}

// Without process groups there is no soft signal; both paths force-kill.
func signalGroupTerm(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func signalGroupKill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
