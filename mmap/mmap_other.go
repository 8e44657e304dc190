//go:build !unix

package mmap

import (
	"os"

	"github.com/rarydzu/gdiskio/storage"
)

func platformMap(*os.File, int64, storage.OpenMode) ([]byte, error) {
	return nil, ErrUnsupported
}

func platformUnmap([]byte) error {
	return ErrUnsupported
}

func platformSync([]byte) error {
	return ErrUnsupported
}
