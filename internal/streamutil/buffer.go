package streamutil

import (
	"bytes"
	"io"
)

// Buffer is abstract temporary storage for a message blob. It is assumed
// immutable once created — reusing a Buffer across stages of the pipeline
// re-opens it rather than rewinding a single reader, ported from the
// teacher's framework/buffer.Buffer.
type Buffer interface {
	Open() (io.ReadCloser, error)
	Len() int
}

type memoryBuffer struct {
	b []byte
}

func (m memoryBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.b)), nil
}

func (m memoryBuffer) Len() int { return len(m.b) }

// BufferInMemory reads r fully and returns it as a re-openable Buffer. A
// durable on-disk implementation belongs to the queue backend and is out of
// scope here (spec.md §1 Non-goals).
func BufferInMemory(r io.Reader) (Buffer, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return memoryBuffer{b: b}, nil
}

// BytesBuffer wraps an already-available byte slice as a Buffer.
func BytesBuffer(b []byte) Buffer {
	return memoryBuffer{b: b}
}
