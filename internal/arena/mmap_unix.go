//go:build unix

package arena

import "golang.org/x/sys/unix"

func reserve(capacity int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err == nil {
		return data, true, nil
	}
	// Fallback path that does not require mmap support.
	return heapAligned(capacity), false, nil
}

func release(buf []byte) error {
	return unix.Munmap(buf)
}
