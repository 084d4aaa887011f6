package connection

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveGreeting(t *testing.T, code string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(code + "\r\n"))
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			_ = line
			conn.Write([]byte("281 ok\r\n"))
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestConnectAcceptsGreeting200And201(t *testing.T) {
	for _, code := range []string{"200 hello", "201 posting disallowed"} {
		host, port := splitAddr(t, serveOnce(t, code))
		c := New(host, port, false)
		err := c.Connect()
		require.NoError(t, err)
		assert.Equal(t, Connected, c.State())
		c.Disconnect()
	}
}

func TestCancelThenConnectYieldsConnectError(t *testing.T) {
	host, port := splitAddr(t, serveOnce(t, "200 hello"))
	c := New(host, port, false)
	c.Cancel()
	err := c.Connect()
	require.Error(t, err)
	assert.NotEqual(t, Connected, c.State())
}

func TestReadLineStripsCRLF(t *testing.T) {
	addr, stop := serveGreeting(t, "200 hello")
	defer stop()
	host, port := splitAddr2(addr)
	c := New(host, port, false)
	require.NoError(t, c.Connect())
	line, err := c.Request("GROUP alt.test")
	require.NoError(t, err)
	assert.Equal(t, "281 ok", line)
}

func TestConnectSendsAuthinfoWhenUsernameSet(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var commands []string
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("200 hello\r\n"))
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			commands = append(commands, line)
			switch {
			case len(commands) == 1:
				conn.Write([]byte("381 more\r\n"))
			default:
				conn.Write([]byte("281 ok\r\n"))
			}
		}
	}()

	host, port := splitAddr2(ln.Addr().String())
	c := New(host, port, false)
	c.Username = "alice"
	c.Password = "secret"
	require.NoError(t, c.Connect())
	time.Sleep(20 * time.Millisecond)

	require.Len(t, commands, 2)
	assert.Contains(t, commands[0], "AUTHINFO USER alice")
	assert.Contains(t, commands[1], "AUTHINFO PASS secret")
}

func TestConnectFailsWhenAuthRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("200 hello\r\n"))
		r := bufio.NewReader(conn)
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			conn.Write([]byte("481 denied\r\n"))
		}
	}()

	host, port := splitAddr2(ln.Addr().String())
	c := New(host, port, false)
	c.Username = "alice"
	c.Password = "wrong"
	err = c.Connect()
	require.Error(t, err)
	assert.NotEqual(t, Connected, c.State())
}

func serveOnce(t *testing.T, greeting string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte(greeting + "\r\n"))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}()
	return ln.Addr().String()
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	return splitAddr2(addr)
}

func splitAddr2(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}
