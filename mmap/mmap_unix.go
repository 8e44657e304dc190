//go:build unix

package mmap

import (
	"os"

	"github.com/rarydzu/gdiskio/storage"
	"golang.org/x/sys/unix"
)

func platformMap(f *os.File, length int64, mode storage.OpenMode) ([]byte, error) {
	prot := unix.PROT_READ
	if mode.Writable() {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, int(length), prot, unix.MAP_SHARED)
}

func platformUnmap(data []byte) error {
	return unix.Munmap(data)
}

func platformSync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
