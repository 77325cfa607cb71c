package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Version is the record layout written by this package.
const Version uint8 = 1

// MaxFrameSize bounds a single encoded record.
const MaxFrameSize = 1 << 20

var (
	ErrUnsupportedVersion = errors.New("protocol: unsupported record version")
	ErrFrameTooLarge      = errors.New("protocol: frame too large")
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
)

// Record layout, big endian:
//
//	u8  version
//	i64 timestamp (unix nanoseconds)
//	u8  has author
//	u16 author length, author bytes (only when has author is 1)
//	u32 content length, content bytes
//
// On the wire every record is preceded by its u32 length.

// EncodeTo writes the record payload, without the frame length.
func (m *Message) EncodeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.Timestamp.UnixNano()); err != nil {
		return err
	}
	if !m.HasAuthor() {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		return writeString32(w, m.Content)
	}
	if len(m.Author) > math.MaxUint16 {
		return fmt.Errorf("%w: author is %d bytes", ErrFrameTooLarge, len(m.Author))
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	if err := writeString16(w, m.Author); err != nil {
		return err
	}
	return writeString32(w, m.Content)
}

func (m *Message) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode fills m from a record payload.
func (m *Message) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var version uint8
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("%w: version: %v", ErrMalformedFrame, err)
	}
	if version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	var nanos int64
	if err := binary.Read(r, binary.BigEndian, &nanos); err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrMalformedFrame, err)
	}
	flag, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: author flag: %v", ErrMalformedFrame, err)
	}
	var author string
	switch flag {
	case 0:
	case 1:
		if author, err = readString16(r); err != nil {
			return fmt.Errorf("%w: author: %v", ErrMalformedFrame, err)
		}
	default:
		return fmt.Errorf("%w: author flag %d", ErrMalformedFrame, flag)
	}
	content, err := readString32(r)
	if err != nil {
		return fmt.Errorf("%w: content: %v", ErrMalformedFrame, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, r.Len())
	}

	m.Timestamp = time.Unix(0, nanos).UTC()
	m.Author = author
	m.Content = content
	return nil
}

// WriteFrame writes m prefixed with its length.
func WriteFrame(w io.Writer, m Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed record. A clean end of stream before
// the header is reported as io.EOF.
func ReadFrame(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: short header", ErrMalformedFrame)
		}
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("%w: short payload: %v", ErrMalformedFrame, err)
	}
	var m Message
	if err := m.Decode(payload); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Writer buffers records and flushes after each one.
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

func (w *Writer) WriteMessage(m Message) error {
	if err := WriteFrame(w.bw, m); err != nil {
		return err
	}
	return w.bw.Flush()
}

// Flush pushes any buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

func (r *Reader) ReadMessage() (Message, error) {
	return ReadFrame(r.br)
}

func writeString16(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeString32(w io.Writer, s string) error {
	if len(s) > MaxFrameSize {
		return fmt.Errorf("%w: content is %d bytes", ErrFrameTooLarge, len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	return readN(r, int(n))
}

func readString32(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int64(n) > int64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	return readN(r, int(n))
}

func readN(r *bytes.Reader, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
