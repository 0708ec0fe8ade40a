// Package sse decodes server-sent event streams into their data payloads.
// It is shared by the upstream completion client and the client-side reducer,
// which both consume `data:` framed JSON.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Decoder reads an SSE byte stream and yields concatenated "data:" payloads.
// Lines other than data fields (event names, comments, ids) are skipped.
type Decoder struct {
	r   *bufio.Reader
	buf []string
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next data payload, with multi-line payloads joined by
// "\n". It returns io.EOF when the underlying reader ends.
func (d *Decoder) Next() (string, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(d.buf) > 0 {
				out := strings.Join(d.buf, "\n")
				d.buf = d.buf[:0]
				return out, nil
			}
			if err == io.EOF {
				return "", io.EOF
			}
			continue
		}

		if strings.HasPrefix(line, "data:") {
			d.buf = append(d.buf, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if len(d.buf) > 0 {
				out := strings.Join(d.buf, "\n")
				d.buf = d.buf[:0]
				return out, nil
			}
			return "", io.EOF
		}
	}
}
