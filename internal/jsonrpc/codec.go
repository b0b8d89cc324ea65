package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// MaxMessageSize is the largest frame body accepted (16 MiB)
const MaxMessageSize = 16 * 1024 * 1024

// Encoder writes Content-Length framed JSON messages
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new framed encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes one framed message and flushes it
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := fmt.Fprintf(e.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}

	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads Content-Length framed JSON messages
type Decoder struct {
	reader   *bufio.Reader
	logger   *slog.Logger
	frameNum int
}

// NewDecoder creates a new framed decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	return &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: logger,
	}
}

// ReadFrame returns the raw body of the next message
func (d *Decoder) ReadFrame() (json.RawMessage, error) {
	contentLength := -1
	sawHeader := false
	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeader && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("frame %d: failed to read header: %w", d.frameNum+1, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// tolerate stray blank lines between frames
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("frame %d: malformed header %q", d.frameNum+1, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("frame %d: invalid Content-Length %q", d.frameNum+1, value)
			}
			contentLength = n
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("frame %d: missing Content-Length header", d.frameNum+1)
	}
	if contentLength > MaxMessageSize {
		d.logger.Error("frame exceeds size limit",
			"frame", d.frameNum+1,
			"size", contentLength,
			"limit", MaxMessageSize)
		return nil, fmt.Errorf("frame %d size %d exceeds limit %d", d.frameNum+1, contentLength, MaxMessageSize)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(d.reader, body); err != nil {
		return nil, fmt.Errorf("frame %d: failed to read body: %w", d.frameNum+1, err)
	}
	d.frameNum++

	return body, nil
}

// Decode reads the next message into v
func (d *Decoder) Decode(v any) error {
	body, err := d.ReadFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"frame", d.frameNum,
			"error", err,
			"data", string(body[:min(100, len(body))]))
		return fmt.Errorf("failed to unmarshal frame %d: %w", d.frameNum, err)
	}
	return nil
}
