package main

import (
	"errors"
	"net"
	"os"

	"github.com/keithlinneman/capserve/internal/xerrors"
)

var errNoNotifySocket = errors.New("NOTIFY_SOCKET not set")

// notifySystemd sends READY=1 for Type=notify units.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errNoNotifySocket
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	_, err = conn.Write([]byte("READY=1"))
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	return xerrors.Wrap(err, "notify systemd")
}
