// Package frame implements the Content-Length framing spoken by language
// servers on their standard streams.
//
// A frame is a block of "Key: value" header lines terminated by an empty
// line, followed by exactly Content-Length bytes of UTF-8 JSON:
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"initialize",...}
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
)

// headerTerminator separates the header block from the body.
var headerTerminator = []byte("\r\n\r\n")

const contentLengthKey = "content-length"

// DefaultMaxBodyBytes bounds a declared Content-Length when the decoder has
// no explicit limit.
const DefaultMaxBodyBytes = 16 << 20

// Decoder turns an unbounded stream of output chunks into JSON values.
// It is not safe for concurrent use; each session owns one.
type Decoder struct {
	buf []byte

	// MaxBodyBytes is the largest Content-Length accepted. Headers declaring
	// more are dropped as malformed. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int

	// OnDiscard, when set, is called for every frame that is dropped because
	// its header or body is malformed.
	OnDiscard func(err error)
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk of stream output to the decode buffer.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Buffered returns the number of bytes still waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Messages yields every complete frame currently buffered, in order.
// Iteration stops when the buffer holds no further complete frame; the
// incomplete tail is kept for the next Feed. Malformed headers and bodies
// are skipped and reported to OnDiscard.
func (d *Decoder) Messages() iter.Seq[any] {
	return func(yield func(any) bool) {
		for {
			body, ok := d.next()
			if !ok {
				return
			}
			if body == nil {
				continue
			}
			v, err := Parse(body)
			if err != nil {
				d.discard(fmt.Errorf("malformed body (%d bytes): %w", len(body), err))
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// next cuts the next frame off the buffer. It returns ok=false when more
// input is needed, and a nil body when a malformed header was dropped.
func (d *Decoder) next() (body []byte, ok bool) {
	headerEnd := bytes.Index(d.buf, headerTerminator)
	if headerEnd < 0 {
		return nil, false
	}

	bodyStart := headerEnd + len(headerTerminator)
	length, err := contentLength(d.buf[:headerEnd], d.limit())
	if err != nil {
		// A header without a usable length is dropped together with the
		// delimiter; decoding resumes at the byte after it.
		d.buf = d.consume(bodyStart)
		d.discard(err)
		return nil, true
	}

	frameEnd := bodyStart + length
	if len(d.buf) < frameEnd {
		return nil, false
	}

	body = make([]byte, length)
	copy(body, d.buf[bodyStart:frameEnd])
	d.buf = d.consume(frameEnd)
	return body, true
}

// consume drops the first n bytes, releasing the backing array once the
// buffer drains so a long session does not pin its largest frame forever.
func (d *Decoder) consume(n int) []byte {
	rest := d.buf[n:]
	if len(rest) == 0 {
		return nil
	}
	return rest
}

func (d *Decoder) limit() int {
	if d.MaxBodyBytes > 0 {
		return d.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func (d *Decoder) discard(err error) {
	if d.OnDiscard != nil {
		d.OnDiscard(err)
	}
}

// contentLength extracts the declared body length from a header block.
func contentLength(header []byte, limit int) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		key, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), contentLengthKey) {
			continue
		}
		value = strings.TrimSpace(value)
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Content-Length %q", value)
		}
		if n > limit {
			return 0, fmt.Errorf("content length %d exceeds limit %d", n, limit)
		}
		return n, nil
	}
	return 0, fmt.Errorf("header without Content-Length: %q", header)
}

// Parse decodes a single JSON document. Numbers are kept as json.Number so
// request ids survive re-encoding unchanged.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

// Encode serializes v and prepends the Content-Length header block.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out, nil
}
