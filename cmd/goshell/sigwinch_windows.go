//go:build windows

package main

// windows has no SIGWINCH; terminal resize while attached is not
// forwarded to the remote pty on this platform.
type noSignal struct{}

func (noSignal) String() string { return "no-signal" }
func (noSignal) Signal()        {}

var sigwinch = noSignal{}
