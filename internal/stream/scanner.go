// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrFrameTooLarge is returned when one frame exceeds the configured size.
var ErrFrameTooLarge = errors.New("event stream frame too large")

// Frame is one dispatched server-sent event.
type Frame struct {
	// Event is the "event:" field, empty for the default type.
	Event string

	// Data joins the frame's "data:" lines with newlines.
	Data string
}

// Scanner splits a text/event-stream body into frames.
//
// Frames end at a blank line. "data:" lines accumulate, "event:" names the
// frame, comment lines (leading ":") and other fields are skipped. A frame
// left unterminated at EOF is still delivered.
//
//	sc := NewScanner(body, maxBytes)
//	for sc.Next() {
//		f := sc.Frame()
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	reader   *bufio.Reader
	maxBytes int
	line     []byte
	current  Frame
	err      error
}

// lineSlack covers a field name and separator on top of maxBytes of value.
const lineSlack = 64

// NewScanner reads frames from r. maxBytes bounds a single frame's data and
// any single line; zero means 1 MiB.
func NewScanner(r io.Reader, maxBytes int) *Scanner {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Scanner{
		reader:   bufio.NewReaderSize(r, 64*1024),
		maxBytes: maxBytes,
	}
}

// Next advances to the next frame. It returns false at EOF or on error.
func (s *Scanner) Next() bool {
	s.current = Frame{}
	if s.err != nil {
		return false
	}

	var (
		data      strings.Builder
		eventType string
		hasData   bool
	)
	dispatch := func() {
		s.current = Frame{Event: eventType, Data: data.String()}
	}

	for {
		line, err := s.readLine()
		if errors.Is(err, ErrFrameTooLarge) {
			s.err = err
			return false
		}
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				dispatch()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				dispatch()
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			if data.Len() > s.maxBytes {
				s.err = fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, s.maxBytes)
				return false
			}
		case "event":
			eventType = value
		}
	}
}

// readLine returns the next line including its terminator. It stops with
// ErrFrameTooLarge as soon as the line outgrows the limit, so a peer that
// never sends a newline cannot grow the buffer.
func (s *Scanner) readLine() (string, error) {
	s.line = s.line[:0]
	limit := s.maxBytes + lineSlack
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(s.line)+len(chunk) > limit {
			return "", fmt.Errorf("%w: line longer than %d bytes", ErrFrameTooLarge, limit)
		}
		s.line = append(s.line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(s.line), err
	}
}

// Frame returns the frame read by the last successful Next.
func (s *Scanner) Frame() Frame {
	return s.current
}

// Err returns the error that stopped the scanner, or nil on clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
