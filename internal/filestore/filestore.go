package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrNotStaged    = errors.New("attachment is not staged")
	ErrHashMismatch = errors.New("staged content does not match its hash")
	ErrBadHash      = errors.New("invalid content hash")
)

// Hash returns the content address of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}
