package local

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

// Wire protocol between the coordinator and a model bridge process.
//
// Every message is framed as [u32 big-endian length][payload].
//
//	request payload:  [u32 width][u32 height][u8 format][pixels]
//	response payload: [u8 status] then
//	    status 0: [u32 n][n*RowSize float32 big-endian]
//	    status 1: [u32 len][utf-8 message]
const (
	statusOK    byte = 0
	statusError byte = 1

	maxMessageBytes = 64 << 20
)

// Request is one frame sent to the bridge.
type Request struct {
	Width  int
	Height int
	Format types.FrameFormat
	Pixels []byte
}

func writeMessage(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxMessageBytes {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteRequest frames req onto w.
func WriteRequest(w io.Writer, req Request) error {
	buf := make([]byte, 9, 9+len(req.Pixels))
	binary.BigEndian.PutUint32(buf[0:4], uint32(req.Width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(req.Height))
	buf[8] = byte(req.Format)
	buf = append(buf, req.Pixels...)
	return writeMessage(w, buf)
}

// ReadRequest reads one framed request.
func ReadRequest(r io.Reader) (Request, error) {
	body, err := readMessage(r)
	if err != nil {
		return Request{}, err
	}
	if len(body) < 9 {
		return Request{}, fmt.Errorf("short request (%d bytes)", len(body))
	}
	return Request{
		Width:  int(binary.BigEndian.Uint32(body[0:4])),
		Height: int(binary.BigEndian.Uint32(body[4:8])),
		Format: types.FrameFormat(body[8]),
		Pixels: body[9:],
	}, nil
}

// WriteRows frames a successful response carrying rows.
func WriteRows(w io.Writer, rows []float32) error {
	n := len(rows) / RowSize
	var buf bytes.Buffer
	buf.WriteByte(statusOK)
	_ = binary.Write(&buf, binary.BigEndian, uint32(n))
	for _, v := range rows[:n*RowSize] {
		_ = binary.Write(&buf, binary.BigEndian, math.Float32bits(v))
	}
	return writeMessage(w, buf.Bytes())
}

// WriteFailure frames an error response.
func WriteFailure(w io.Writer, message string) error {
	var buf bytes.Buffer
	buf.WriteByte(statusError)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(message)))
	buf.WriteString(message)
	return writeMessage(w, buf.Bytes())
}

// bridgeFailure is a status-1 answer: the bridge is alive but rejected the frame.
type bridgeFailure struct{ msg string }

func (e *bridgeFailure) Error() string { return e.msg }

// ReadResponse reads one framed response. A status-1 answer is returned as an
// error of type *bridgeFailure.
func ReadResponse(r io.Reader) ([]float32, error) {
	body, err := readMessage(r)
	if err != nil {
		return nil, err
	}
	if len(body) < 5 {
		return nil, fmt.Errorf("short response (%d bytes)", len(body))
	}
	n := binary.BigEndian.Uint32(body[1:5])
	rest := body[5:]

	switch body[0] {
	case statusOK:
		if uint64(len(rest)) != uint64(n)*RowSize*4 {
			return nil, fmt.Errorf("response declares %d rows but carries %d bytes", n, len(rest))
		}
		rows := make([]float32, int(n)*RowSize)
		for i := range rows {
			rows[i] = math.Float32frombits(binary.BigEndian.Uint32(rest[i*4:]))
		}
		return rows, nil
	case statusError:
		if uint64(len(rest)) < uint64(n) {
			return nil, fmt.Errorf("truncated error message")
		}
		return nil, &bridgeFailure{msg: string(rest[:n])}
	default:
		return nil, fmt.Errorf("unknown response status %d", body[0])
	}
}
