//go:build !linux

package engine

func setSockOptDSCP(fd, dscp int) error {
	return nil
}
