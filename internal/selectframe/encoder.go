package selectframe

import (
	"encoding/binary"

	"github.com/ossx/ossx/internal/adapter"
)

// frameVersion is written into the top header byte.
const frameVersion = 1

// AppendFrame appends one frame of type typ to dst: the 12-byte header, the
// payload and the trailing checksum.
func AppendFrame(dst []byte, typ uint32, payload []byte, checksum uint32) []byte {
	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], typ&typeMask|frameVersion<<24)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[8:12], adapter.CRC32(hdr[0:8]))

	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint32(dst, checksum)
}

// Encoder produces a well-formed frame stream, tracking the file offset the
// way the service does. The zero value is ready to use.
type Encoder struct {
	offset uint64
}

// Data appends a DATA frame carrying data.
func (e *Encoder) Data(dst, data []byte) []byte {
	e.offset += uint64(len(data))
	payload := binary.BigEndian.AppendUint64(nil, e.offset)
	payload = append(payload, data...)
	return AppendFrame(dst, TypeData, payload, adapter.CRC32(payload))
}

// Continuation appends a keep-alive frame.
func (e *Encoder) Continuation(dst []byte) []byte {
	payload := binary.BigEndian.AppendUint64(nil, e.offset)
	return AppendFrame(dst, TypeContinuation, payload, adapter.CRC32(payload))
}

// End appends an END frame. errText is "code.message" or empty.
func (e *Encoder) End(dst []byte, status uint32, errText string) []byte {
	payload := binary.BigEndian.AppendUint64(nil, e.offset)
	payload = binary.BigEndian.AppendUint64(payload, e.offset)
	payload = binary.BigEndian.AppendUint32(payload, status)
	payload = append(payload, errText...)
	return AppendFrame(dst, TypeEnd, payload, adapter.CRC32(payload))
}

// MetaEnd appends a CSV META_END frame.
func (e *Encoder) MetaEnd(dst []byte, status, splits uint32, rows uint64, columns uint32, errText string) []byte {
	payload := e.metaPayload(status, splits, rows)
	payload = binary.BigEndian.AppendUint32(payload, columns)
	payload = append(payload, errText...)
	return AppendFrame(dst, TypeMetaEnd, payload, adapter.CRC32(payload))
}

// JSONMetaEnd appends a JSON_META_END frame.
func (e *Encoder) JSONMetaEnd(dst []byte, status, splits uint32, rows uint64, errText string) []byte {
	payload := e.metaPayload(status, splits, rows)
	payload = append(payload, errText...)
	return AppendFrame(dst, TypeJSONMetaEnd, payload, adapter.CRC32(payload))
}

func (e *Encoder) metaPayload(status, splits uint32, rows uint64) []byte {
	payload := binary.BigEndian.AppendUint64(nil, e.offset)
	payload = binary.BigEndian.AppendUint64(payload, e.offset)
	payload = binary.BigEndian.AppendUint32(payload, status)
	payload = binary.BigEndian.AppendUint32(payload, splits)
	return binary.BigEndian.AppendUint64(payload, rows)
}
