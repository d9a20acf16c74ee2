//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// detach starts the server without a console in a new process group
func detach(cmd *exec.Cmd) {
	const detachedProcess = 0x00000008
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | detachedProcess,
	}
}
