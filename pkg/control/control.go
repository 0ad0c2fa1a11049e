// Package control serves a unix socket through which other local programs
// can send messages and files as the IRC user.
package control

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"strings"

	"github.com/coredhcp/coredhcp/logger"
)

var log = logger.GetLogger("control")

// Sender relays messages and files to the chat side. Deliveries appear on
// IRC too, as if sent by another client.
type Sender interface {
	SendMessage(ctx context.Context, dest, msg string, action, reSendToIRC bool) error
	SendFile(ctx context.Context, dest, filename string, content io.Reader) error
}

// Listen serves the control socket at path until the context is cancelled.
// A stale socket from a previous run is removed first.
func Listen(ctx context.Context, path string, sender Sender) error {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	defer os.Remove(path)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handle(ctx, conn, sender)
	}
}

// handle runs one control connection. The protocol is line-oriented up to
// the payload: a command line, a destination line, for sendfile a filename
// line, then raw bytes until EOF.
func handle(ctx context.Context, conn net.Conn, sender Sender) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	cmd, err := readLine(r)
	if err != nil {
		return
	}
	switch cmd {
	case "write":
		dest, err := readLine(r)
		if err != nil {
			return
		}
		body, err := io.ReadAll(r)
		if err != nil {
			return
		}
		if err := sender.SendMessage(ctx, dest, string(body), false, true); err != nil {
			log.Warningf("Control write to %s failed: %v", dest, err)
		}
	case "sendfile":
		dest, err := readLine(r)
		if err != nil {
			return
		}
		filename, err := readLine(r)
		if err != nil {
			return
		}
		if err := sender.SendFile(ctx, dest, filename, r); err != nil {
			log.Warningf("Control sendfile to %s failed: %v", dest, err)
			conn.Write([]byte("fail"))
			return
		}
		conn.Write([]byte("ok"))
	default:
		log.Infof("Unknown control command %q", cmd)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
