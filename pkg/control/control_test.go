package control

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	dest        string
	payload     string
	filename    string
	reSendToIRC bool
}

type fakeSender struct {
	deliveries chan delivery
	failFiles  bool
}

func (f *fakeSender) SendMessage(ctx context.Context, dest, msg string, action, reSendToIRC bool) error {
	f.deliveries <- delivery{dest: dest, payload: msg, reSendToIRC: reSendToIRC}
	return nil
}

func (f *fakeSender) SendFile(ctx context.Context, dest, filename string, content io.Reader) error {
	if f.failFiles {
		return errors.New("upload rejected")
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.deliveries <- delivery{dest: dest, payload: string(data), filename: filename, reSendToIRC: true}
	return nil
}

func startSocket(t *testing.T, sender *fakeSender) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := Listen(ctx, path, sender); err != nil {
			t.Errorf("control listener: %v", err)
		}
	}()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)
	return path
}

func receive(t *testing.T, sender *fakeSender) delivery {
	t.Helper()
	select {
	case d := <-sender.deliveries:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return delivery{}
	}
}

func TestWrite(t *testing.T) {
	sender := &fakeSender{deliveries: make(chan delivery, 1)}
	path := startSocket(t, sender)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("write\n#general\nhello from outside"))
	require.NoError(t, err)
	conn.Close()

	d := receive(t, sender)
	assert.Equal(t, "#general", d.dest)
	assert.Equal(t, "hello from outside", d.payload)
	assert.True(t, d.reSendToIRC)
}

func TestSendfile(t *testing.T) {
	sender := &fakeSender{deliveries: make(chan delivery, 1)}
	path := startSocket(t, sender)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("sendfile\nbob\nreport.txt\nfile contents"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	d := receive(t, sender)
	assert.Equal(t, "bob", d.dest)
	assert.Equal(t, "report.txt", d.filename)
	assert.Equal(t, "file contents", d.payload)

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(reply))
	conn.Close()
}

func TestSendfileFailure(t *testing.T) {
	sender := &fakeSender{deliveries: make(chan delivery, 1), failFiles: true}
	path := startSocket(t, sender)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("sendfile\nbob\nreport.txt\nfile contents"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "fail", string(reply))
	conn.Close()
}

func TestUnknownCommandIgnored(t *testing.T) {
	sender := &fakeSender{deliveries: make(chan delivery, 1)}
	path := startSocket(t, sender)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("frobnicate\nwhatever"))
	require.NoError(t, err)
	conn.Close()

	select {
	case d := <-sender.deliveries:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}
