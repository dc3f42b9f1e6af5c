package adapter

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	errs "github.com/ossx/ossx/internal/errors"
)

// Cipher transforms bytes in stream order. cipher.Stream satisfies it.
type Cipher interface {
	XORKeyStream(dst, src []byte)
}

// NewCTRCipher returns an AES-CTR stream positioned at byte offset of the
// plaintext, so a transfer that resumes mid-object continues the same
// keystream. key must be 16, 24 or 32 bytes and iv one block.
func NewCTRCipher(key, iv []byte, offset int64) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, fmt.Sprintf("invalid cipher key: %v", err))
	}
	if len(iv) != aes.BlockSize {
		return nil, errs.NewClientError(errs.CodeInvalidArgument,
			fmt.Sprintf("iv must be %d bytes, got %d", aes.BlockSize, len(iv)))
	}
	if offset < 0 {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, "cipher offset must not be negative")
	}

	counter := make([]byte, aes.BlockSize)
	copy(counter, iv)
	addCounter(counter, uint64(offset/aes.BlockSize))

	stream := cipher.NewCTR(block, counter)
	if skip := int(offset % aes.BlockSize); skip > 0 {
		pad := make([]byte, skip)
		stream.XORKeyStream(pad, pad)
	}
	return stream, nil
}

// addCounter adds n to the big-endian 128-bit counter in place.
func addCounter(counter []byte, n uint64) {
	for i := len(counter) - 1; i >= 0 && n > 0; i-- {
		sum := uint64(counter[i]) + (n & 0xff)
		counter[i] = byte(sum)
		n = (n >> 8) + (sum >> 8)
	}
}
