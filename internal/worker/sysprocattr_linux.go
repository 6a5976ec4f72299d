//go:build linux

package worker

import "syscall"

// buildSysProcAttr detaches the worker into its own process group so it
// outlives a graceful Release and survives a server restart as a
// reconnectable orphan, unlike the teacher's launcher (which sets
// Pdeathsig to tie a child's life to its parent's); that behavior is
// deliberately not carried over here.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
