// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/AleutianAI/deltatree/services/render/reconcile"
)

// Decoder reads JSON-lines message streams.
//
// Blank lines and lines starting with "#" are skipped. When the underlying
// reader reports io.EOF in the middle of a line, the partial line is kept
// and Next returns io.EOF; a later Next continues from it. This lets a
// caller tail a file that is still being written.
//
// Thread Safety: Not safe for concurrent use.
type Decoder struct {
	r       *bufio.Reader
	partial []byte
	line    int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Line returns the number of the last line read.
func (d *Decoder) Line() int { return d.line }

// Next returns the next message, or io.EOF when no complete line is
// available.
func (d *Decoder) Next() (reconcile.Message, error) {
	for {
		chunk, err := d.r.ReadBytes('\n')
		d.partial = append(d.partial, chunk...)
		if errors.Is(err, io.EOF) {
			return reconcile.Message{}, io.EOF
		}
		if err != nil {
			return reconcile.Message{}, err
		}

		line := bytes.TrimSpace(d.partial)
		d.partial = d.partial[:0]
		d.line++
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		msg, err := Decode(line)
		if err != nil {
			return reconcile.Message{}, fmt.Errorf("line %d: %w", d.line, err)
		}
		return msg, nil
	}
}

// Flush decodes a final unterminated line, if any. Call it once the writer
// is known to be done.
func (d *Decoder) Flush() (reconcile.Message, bool, error) {
	line := bytes.TrimSpace(d.partial)
	d.partial = nil
	if len(line) == 0 || line[0] == '#' {
		return reconcile.Message{}, false, nil
	}
	d.line++
	msg, err := Decode(line)
	if err != nil {
		return reconcile.Message{}, false, fmt.Errorf("line %d: %w", d.line, err)
	}
	return msg, true, nil
}

// ReadAll decodes every message in r, including a final unterminated line.
func ReadAll(r io.Reader) ([]reconcile.Message, error) {
	dec := NewDecoder(r)
	var out []reconcile.Message
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}

	msg, ok, err := dec.Flush()
	if err != nil {
		return out, err
	}
	if ok {
		out = append(out, msg)
	}
	return out, nil
}

// Encoder writes JSON-lines message streams.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Write encodes msg followed by a newline.
func (e *Encoder) Write(msg reconcile.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}
