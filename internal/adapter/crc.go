package adapter

import (
	"hash/crc32"
	"hash/crc64"
	"net/http"
	"strconv"

	errs "github.com/ossx/ossx/internal/errors"
)

// HeaderCRC64 carries the server's CRC64 of the whole object.
const HeaderCRC64 = "x-oss-hash-crc64ecma"

var crc64Table = crc64.MakeTable(crc64.ECMA)

// CRC64 continues the running ECMA-182 checksum crc over p. The value matches
// the one the service reports, and CRC64(CRC64(0, a), b) == CRC64(0, a+b).
func CRC64(crc uint64, p []byte) uint64 {
	return crc64.Update(crc, crc64Table, p)
}

// CRC32 returns the IEEE checksum used for SELECT frame payloads.
func CRC32(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// ServerCRC64 parses the CRC64 header. ok is false when the header is absent
// or malformed.
func ServerCRC64(h http.Header) (crc uint64, ok bool) {
	v := h.Get(HeaderCRC64)
	if v == "" {
		return 0, false
	}
	crc, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return crc, true
}

// CheckCRC returns an *errors.InconsistentError naming both values when the
// client and server checksums differ.
func CheckCRC(operation string, client, server uint64, requestID string) error {
	if client == server {
		return nil
	}
	return &errs.InconsistentError{
		Operation: operation,
		ClientCRC: client,
		ServerCRC: server,
		RequestID: requestID,
	}
}

// FormatCRC64 renders crc the way the service sends it.
func FormatCRC64(crc uint64) string {
	return strconv.FormatUint(crc, 10)
}
