package lutron

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestBridgeHostPort(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"192.168.1.50", "192.168.1.50:23"},
		{"lutron.local", "lutron.local:23"},
		{"192.168.1.50:2323", "192.168.1.50:2323"},
		{"fe80::1", "[fe80::1]:23"},
		{"[fe80::1]:23", "[fe80::1]:23"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := bridgeHostPort(tt.address); got != tt.want {
				t.Errorf("bridgeHostPort(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}

// readUntil polls tr until the accumulated data contains want.
func readUntil(t *testing.T, tr Transport, want string) string {
	t.Helper()

	var got strings.Builder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := tr.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got.Write(data)
		if strings.Contains(got.String(), want) {
			return got.String()
		}
	}
	t.Fatalf("read %q, never saw %q", got.String(), want)
	return ""
}

func TestTelnetDialer_Session(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		conn.Write([]byte("login: ")) //nolint:errcheck // test server
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
		conn.Write([]byte("~OUTPUT,5,1,100.00\r\n")) //nolint:errcheck // test server
	}()

	d := &TelnetDialer{PollInterval: 20 * time.Millisecond}
	tr, err := d.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer tr.Close()

	if tr.RemoteAddr() != ln.Addr().String() {
		t.Errorf("RemoteAddr() = %q, want %q", tr.RemoteAddr(), ln.Addr().String())
	}

	readUntil(t, tr, "login: ")

	if err := tr.Write([]byte("lutron\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	select {
	case line := <-received:
		if line != "lutron\n" {
			t.Errorf("server received %q, want %q", line, "lutron\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
	}

	readUntil(t, tr, "~OUTPUT,5,1,100.00\r\n")

	// The server hangs up after its last write.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := tr.Read()
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Read() never reported the closed connection")
		}
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	tr.Close() //nolint:errcheck // second close is a no-op
}

func TestTelnetDialer_ReadPollsWithoutData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-hold
		conn.Close()
	}()

	d := &TelnetDialer{PollInterval: 10 * time.Millisecond}
	tr, err := d.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer tr.Close()

	data, err := tr.Read()
	if err != nil || data != nil {
		t.Errorf("Read() = %q, %v; want nil, nil", data, err)
	}
}

func TestTelnetDialer_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := &TelnetDialer{ConnectTimeout: time.Second}
	_, err = d.Dial(context.Background(), addr)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Dial() error = %v, want ErrConnectionFailed", err)
	}
}
