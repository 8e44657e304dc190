package utils

import (
	"encoding/binary"
	"math/rand"
)

func Uint32ToBytes(i uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], i)
	return buf[:]
}

func BytesToUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// KeySuffix decodes the index appended to prefix by PrefixedKey
func KeySuffix(prefix string, key []byte) (uint32, bool) {
	if len(key) != len(prefix)+4 || string(key[:len(prefix)]) != prefix {
		return 0, false
	}
	return BytesToUint32(key[len(prefix):]), true
}

// PrefixedKey returns prefix followed by the big endian encoding of i
func PrefixedKey(prefix string, i uint32) []byte {
	key := make([]byte, 0, len(prefix)+4)
	key = append(key, prefix...)
	return append(key, Uint32ToBytes(i)...)
}

// RandBytes returns n pseudo random bytes
func RandBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	return b
}
