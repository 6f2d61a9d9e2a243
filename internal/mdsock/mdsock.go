// Package mdsock implements the framed control protocol spoken over the
// monitor's Unix-domain socket (spec §4.G "mdmon control socket"):
// ping_monitor, ping_manager, and metadata-update delivery.
package mdsock

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/mdraid/mdctl/internal/mderr"
)

const (
	startMagic uint32 = 0x5a5aa5a5
	endMagic   uint32 = 0xa5a55a5a

	// MaxLen bounds an update payload; a request past this is rejected
	// rather than trusted with an unbounded allocation.
	MaxLen = 1 << 20
)

// Action distinguishes the handful of requests the monitor understands.
// A Message with Len == 0 is a plain ping (ack); Len == -1 pings the
// manager thread specifically, carrying no payload either.
type Action int32

const (
	ActionPingMonitor Action = 0
	ActionPingManager Action = -1
	ActionUpdate      Action = 1
)

// Message is one frame: start_magic, a signed length (which doubles as
// an action code when <= 0), the payload if len > 0, end_magic.
type Message struct {
	Len  int32
	Data []byte
}

// SocketPath returns the path mdmon listens on for a container/array
// name, e.g. "/var/run/mdadm/<name>.sock".
func SocketPath(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

// Send writes msg as one framed request, honoring deadline if non-zero.
func Send(conn net.Conn, msg Message, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return mderr.Wrap(err, mderr.IoError, "set write deadline")
		}
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], startMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(msg.Len))
	if _, err := conn.Write(hdr[:]); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write frame header")
	}

	if msg.Len > 0 {
		if _, err := conn.Write(msg.Data); err != nil {
			return mderr.Wrap(err, mderr.IoError, "write frame payload")
		}
	}

	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], endMagic)
	if _, err := conn.Write(tail[:]); err != nil {
		return mderr.Wrap(err, mderr.IoError, "write frame trailer")
	}
	return nil
}

// Receive reads one framed request, honoring deadline if non-zero.
func Receive(conn net.Conn, deadline time.Time) (Message, error) {
	if !deadline.IsZero() {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return Message{}, mderr.Wrap(err, mderr.IoError, "set read deadline")
		}
	}

	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return Message{}, mderr.Wrap(err, mderr.IoError, "read frame header")
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != startMagic {
		return Message{}, mderr.New(mderr.NoMagic, "bad frame start magic")
	}
	length := int32(binary.LittleEndian.Uint32(hdr[4:8]))
	if length > MaxLen {
		return Message{}, mderr.New(mderr.TooSmall, "frame length exceeds maximum")
	}

	var data []byte
	if length > 0 {
		data = make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return Message{}, mderr.Wrap(err, mderr.IoError, "read frame payload")
		}
	}

	var tail [4]byte
	if _, err := io.ReadFull(conn, tail[:]); err != nil {
		return Message{}, mderr.Wrap(err, mderr.IoError, "read frame trailer")
	}
	if binary.LittleEndian.Uint32(tail[:]) != endMagic {
		return Message{}, mderr.New(mderr.NoMagic, "bad frame end magic")
	}

	return Message{Len: length, Data: data}, nil
}

// Ack sends a zero-length acknowledgement frame.
func Ack(conn net.Conn, timeout time.Duration) error {
	return Send(conn, Message{Len: 0}, deadlineFrom(timeout))
}

// WaitReply reads one frame and discards its contents, treating any
// framing error as a failed reply.
func WaitReply(conn net.Conn, timeout time.Duration) error {
	_, err := Receive(conn, deadlineFrom(timeout))
	return err
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Connect dials the monitor's socket for devname's array/container.
func Connect(dir, name string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("unix", SocketPath(dir, name))
	if err != nil {
		return nil, mderr.Wrap(err, mderr.NoDevice, "connect to monitor socket")
	}
	return conn, nil
}

// PingMonitor connects, sends a plain ack, and waits for the reply —
// mirroring ping_monitor/fping_monitor (spec §4.G).
func PingMonitor(dir, name string) error {
	conn, err := Connect(dir, name, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := Ack(conn, 2*time.Second); err != nil {
		return err
	}
	return WaitReply(conn, 2*time.Second)
}

// PingManager sends the manager-specific ping (Len == -1) and waits for
// a reply, giving the manager thread a chance to notice container state
// that an exclusive open() is holding back from /proc/mdstat.
func PingManager(dir, name string) error {
	conn, err := Connect(dir, name, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := Send(conn, Message{Len: int32(ActionPingManager)}, deadlineFrom(2*time.Second)); err != nil {
		return err
	}
	return WaitReply(conn, 2*time.Second)
}
