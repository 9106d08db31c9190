package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// File descriptors inherited by the child for the two pipe halves. The parent
// places them in cmd.ExtraFiles so they land at fds 3 and 4.
const (
	ChildReadFd  = 3
	ChildWriteFd = 4
)

// MaxFrameSize bounds a single message. Outputs larger than this must be
// file-typed and travel by path, not inline.
const MaxFrameSize = 64 << 20

// Conn is one endpoint of the full-duplex, length-prefixed event channel.
// Each frame is a 4-byte big-endian length followed by a JSON-encoded Event.
// Writes from concurrent goroutines are serialized by a local mutex; reads
// are single-consumer.
type Conn struct {
	r   *bufio.Reader
	rc  io.Closer
	w   io.Writer
	wc  io.Closer
	wmu sync.Mutex
}

func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	return &Conn{
		r:  bufio.NewReader(r),
		rc: r,
		w:  w,
		wc: w,
	}
}

// ChildConn opens the channel endpoint inside the child process from the
// inherited file descriptors.
func ChildConn() *Conn {
	r := os.NewFile(ChildReadFd, "ipc-read")
	w := os.NewFile(ChildWriteFd, "ipc-write")
	return NewConn(r, w)
}

func (c *Conn) Send(e Event) error {
	bs, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(bs) > MaxFrameSize {
		return fmt.Errorf("event frame too large: %d bytes", len(bs))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(bs)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(bs); err != nil {
		return err
	}
	return nil
}

// Receive blocks until the next frame arrives or the peer closes the channel,
// in which case it returns io.EOF.
func (c *Conn) Receive() (Event, error) {
	var e Event
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return e, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return e, fmt.Errorf("event frame too large: %d bytes", n)
	}
	bs := make([]byte, n)
	if _, err := io.ReadFull(c.r, bs); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return e, err
	}
	if err := json.Unmarshal(bs, &e); err != nil {
		return e, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return e, nil
}

// CloseWrite closes only the write half so the peer observes end-of-stream
// while buffered inbound frames remain readable.
func (c *Conn) CloseWrite() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.wc.Close()
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	werr := c.wc.Close()
	c.wmu.Unlock()
	rerr := c.rc.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
