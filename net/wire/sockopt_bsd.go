//go:build darwin || freebsd || dragonfly
// +build darwin freebsd dragonfly

package wire

// setAvoidFragmentation is a no-op here: the BSD stacks fragment datagrams
// by default and expose no portable MTU-discovery toggle.
func setAvoidFragmentation(fd int, v6 bool) {}
