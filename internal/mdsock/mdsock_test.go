package mdsock

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mdraid/mdctl/internal/mderr"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		msg, err := Receive(server, time.Time{})
		if err != nil {
			done <- err
			return
		}
		if string(msg.Data) != "hello" {
			done <- mderr.New(mderr.Unknown, "payload mismatch")
			return
		}
		done <- nil
	}()

	payload := []byte("hello")
	require.NoError(t, Send(client, Message{Len: int32(len(payload)), Data: payload}, time.Time{}))
	require.NoError(t, <-done)
}

func TestReceiveRejectsBadStartMagic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	}()

	_, err := Receive(server, time.Now().Add(time.Second))
	require.Error(t, err)
}

func TestPingMonitor_OverUnixSocket(t *testing.T) {
	dir := t.TempDir()
	name := "md127"

	ln, err := net.Listen("unix", SocketPath(dir, name))
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := Receive(conn, time.Now().Add(2*time.Second))
		if err != nil {
			return
		}
		Send(conn, msg, time.Now().Add(2*time.Second))
	}()

	require.NoError(t, PingMonitor(dir, name))
}

func TestSocketPath(t *testing.T) {
	require.Equal(t, filepath.Join("/var/run/mdadm", "md0.sock"), SocketPath("/var/run/mdadm", "md0"))
}
