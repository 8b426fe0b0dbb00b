//go:build linux

package engine

import (
	"golang.org/x/sys/unix"
)

// setSockOptDSCP выставляет DSCP в старших 6 битах TOS/Traffic Class
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}
	// сокет может быть только IPv4, ошибку IPv6 не учитываем
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
