package websocket

import (
	"encoding/binary"
	"fmt"
)

// EncodeClosePayload builds a close frame payload: the two-byte big-endian
// status code followed by the UTF-8 reason. The code is always present,
// unlike the `struct.pack("!H")` draft this was translated from, which
// occasionally packed zero arguments and produced an empty payload.
func EncodeClosePayload(code CloseCode, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload
}

// DecodeClosePayload extracts the status code and reason from a CLOSE
// frame's payload. An empty payload (peer sent no status) decodes to
// CloseNormal with an empty reason, since RFC 6455 permits omitting it.
func DecodeClosePayload(payload []byte) (CloseCode, string, error) {
	if len(payload) == 0 {
		return CloseNormal, "", nil
	}
	if len(payload) < 2 {
		return 0, "", fmt.Errorf("%w: close payload shorter than 2 bytes", ErrProtocol)
	}
	code := CloseCode(binary.BigEndian.Uint16(payload))
	return code, string(payload[2:]), nil
}
