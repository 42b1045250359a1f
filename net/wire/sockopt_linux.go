//go:build linux
// +build linux

package wire

import "golang.org/x/sys/unix"

// setAvoidFragmentation turns off path-MTU discovery so datagrams fragment
// instead of bouncing with ICMP too-big errors. Best-effort; failures are
// ignored by contract.
func setAvoidFragmentation(fd int, v6 bool) {
	if v6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DONT)
		return
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DONT)
}
