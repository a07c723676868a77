package stun

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"gortc.io/stun"
)

// maxMessageSize - bound on a STUN message read from a stream
const maxMessageSize = 2048

// headerSize - fixed STUN header, type, length, cookie and transaction id
const headerSize = 20

// readMessage - one STUN message from a stream, framed by its header length
func readMessage(r io.Reader, m *stun.Message) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	size := int(binary.BigEndian.Uint16(header[2:4]))
	if headerSize+size > maxMessageSize {
		return errors.Errorf("stun message of %d bytes too large", size)
	}
	raw := make([]byte, headerSize+size)
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[headerSize:]); err != nil {
		return err
	}
	if !stun.IsMessage(raw) {
		return errNotSTUNMessage
	}
	m.Reset()
	if _, err := m.Write(raw); err != nil {
		return errors.Wrap(err, "failed to read message")
	}
	return nil
}
