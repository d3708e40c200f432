package sockbus

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/spirit-labs/chanrpc/errors"
)

type frameKind byte

const (
	frameOpen frameKind = iota + 1
	frameAccept
	frameReject
	frameMessage
	frameDisconnect
)

func (k frameKind) String() string {
	switch k {
	case frameOpen:
		return "open"
	case frameAccept:
		return "accept"
	case frameReject:
		return "reject"
	case frameMessage:
		return "message"
	case frameDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Frame layout, after the 32 bit big-endian length prefix:
//
//	kind (1 byte) | channel id (8 bytes, big-endian) | payload
//
// The payload is the channel name for open, an encoded error for reject, the message for message, and empty
// otherwise.
const frameHeaderSize = 1 + 8

const readBuffSize = 8 * 1024

func encodeFrame(kind frameKind, id uint64, payload []byte) []byte {
	length := frameHeaderSize + len(payload)
	buff := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buff, uint32(length))
	buff[4] = byte(kind)
	binary.BigEndian.PutUint64(buff[5:], id)
	copy(buff[4+frameHeaderSize:], payload)
	return buff
}

func decodeFrame(buff []byte) (frameKind, uint64, []byte, error) {
	if len(buff) < frameHeaderSize {
		return 0, 0, nil, errors.Errorf("frame too short: %d bytes", len(buff))
	}
	kind := frameKind(buff[0])
	if kind < frameOpen || kind > frameDisconnect {
		return 0, 0, nil, errors.Errorf("unknown frame kind %d", buff[0])
	}
	return kind, binary.BigEndian.Uint64(buff[1:]), buff[frameHeaderSize:], nil
}

// readFrames reads frames that are length prefixed with a big-endian 32 bit integer and calls handler with each
// one. The buffer is reused, so handler must copy anything it keeps. It returns nil when the connection reaches EOF.
func readFrames(conn net.Conn, maxFrameSize int, handler func([]byte) error) error {
	buff := make([]byte, readBuffSize)
	var err error
	var readPos, n int
	for {
		// read the frame size
		bytesRequired := 4 - readPos
		if bytesRequired > 0 {
			n, err = io.ReadAtLeast(conn, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		frameSize := int(binary.BigEndian.Uint32(buff))
		if frameSize > maxFrameSize {
			err = errors.Errorf("frame of %d bytes exceeds maximum of %d", frameSize, maxFrameSize)
			break
		}
		totSize := 4 + frameSize
		bytesRequired = totSize - readPos
		if bytesRequired > 0 {
			if totSize > len(buff) {
				nb := make([]byte, totSize)
				copy(nb, buff[:readPos])
				buff = nb
			}
			n, err = io.ReadAtLeast(conn, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		if err = handler(buff[4:totSize]); err != nil {
			break
		}
		remainingBytes := readPos - totSize
		if remainingBytes > 0 {
			// bytes of the next frame(s) were already read
			if remainingBytes < totSize {
				copy(buff, buff[totSize:readPos])
			} else {
				nb := make([]byte, len(buff))
				copy(nb, buff[totSize:readPos])
				buff = nb
			}
		}
		readPos = remainingBytes
	}
	if err == io.EOF {
		return nil
	}
	return err
}
