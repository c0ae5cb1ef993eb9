//go:build !windows

package main

import "syscall"

var sigwinch = syscall.SIGWINCH
