package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Binary protocol constants
const (
	// Video datagram
	VideoNameLenSize = 1

	// Screen-share handshake, always exactly HandshakeSize bytes
	HandshakeSize      = 7
	HandshakePresenter = "PRESENT"
	HandshakeViewer    = "VIEWER\n"

	// Screen-share frame header
	FrameHeaderSize = 4

	// File transfer opcodes
	OpUpload   = 0x01
	OpDownload = 0x02

	// File transfer header field sizes
	FileNameLenSize = 2
	FileSizeSize    = 8
	MaxFileNameLen  = 0xFFFF
)

// Role is the screen-share role chosen by the handshake
type Role uint8

const (
	RoleUnknown Role = iota
	RolePresenter
	RoleViewer
)

// ErrFrameTooLarge is returned when a frame header announces more than the allowed size
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// VideoHeader describes the sender tag at the front of a video datagram.
// Layout: [NameLen:1][Name:NameLen][Image:...]
type VideoHeader struct {
	NameLen uint8
	Name    string
}

// PayloadOffset returns the index of the first image byte
func (h *VideoHeader) PayloadOffset() int {
	return VideoNameLenSize + int(h.NameLen)
}

// ParseVideoHeader reads the sender tag of a video datagram without copying the image
func ParseVideoHeader(data []byte) (*VideoHeader, error) {
	if len(data) < VideoNameLenSize {
		return nil, fmt.Errorf("video datagram too short: expected at least %d bytes, got %d",
			VideoNameLenSize, len(data))
	}

	nameLen := data[0]
	if len(data) < VideoNameLenSize+int(nameLen) {
		return nil, fmt.Errorf("video name too short: expected %d bytes, got %d",
			nameLen, len(data)-VideoNameLenSize)
	}

	return &VideoHeader{
		NameLen: nameLen,
		Name:    string(data[VideoNameLenSize : VideoNameLenSize+int(nameLen)]),
	}, nil
}

// ParseRole maps a handshake to a screen-share role
func ParseRole(handshake []byte) (Role, error) {
	if len(handshake) != HandshakeSize {
		return RoleUnknown, fmt.Errorf("handshake wrong size: expected %d bytes, got %d", HandshakeSize, len(handshake))
	}

	switch string(handshake) {
	case HandshakePresenter:
		return RolePresenter, nil
	case HandshakeViewer:
		return RoleViewer, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown handshake %q", handshake)
	}
}

// String returns the role name
func (r Role) String() string {
	switch r {
	case RolePresenter:
		return "presenter"
	case RoleViewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// EncodeFrame prefixes payload with its 4-byte big-endian length
func EncodeFrame(payload []byte) []byte {
	packet := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(packet[:FrameHeaderSize], uint32(len(payload)))
	copy(packet[FrameHeaderSize:], payload)
	return packet
}

// ReadFrame reads one length-prefixed frame. maxSize of 0 disables the limit.
// A stream that ends mid-frame returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ReadFileName reads a [NameLen:2][Name] field
func ReadFileName(r io.Reader) (string, error) {
	var lenBuf [FileNameLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("failed to read name length: %w", err)
	}

	name := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, name); err != nil {
		return "", fmt.Errorf("failed to read name: %w", err)
	}
	return string(name), nil
}

// ReadFileSize reads an 8-byte big-endian size field
func ReadFileSize(r io.Reader) (uint64, error) {
	var sizeBuf [FileSizeSize]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return 0, fmt.Errorf("failed to read size: %w", err)
	}
	return binary.BigEndian.Uint64(sizeBuf[:]), nil
}

// EncodeFileSize returns the 8-byte big-endian size field
func EncodeFileSize(size uint64) []byte {
	buf := make([]byte, FileSizeSize)
	binary.BigEndian.PutUint64(buf, size)
	return buf
}

// OpString returns a human-readable file transfer opcode
func OpString(op byte) string {
	switch op {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", op)
	}
}

// String returns a human-readable representation of the header
func (h *VideoHeader) String() string {
	return fmt.Sprintf("VideoHeader{NameLen: %d, Name: %q}", h.NameLen, h.Name)
}
