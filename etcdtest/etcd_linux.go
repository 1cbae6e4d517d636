//go:build linux

package etcdtest

import "syscall"

var getSysProcAttr = func() *syscall.SysProcAttr {
	// Deliver SIGTERM to `etcd` if the test process dies, so that a wrapping
	// `go test` doesn't await the child forever.
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
