package testutil

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-process IMAP server backed by memory.Backend.
type TestIMAPServer struct {
	Server    *server.Server
	Address   string
	Backend   *memory.Backend
	closeOnce sync.Once
	username  string
	password  string
}

// NewTestIMAPServer starts a server on a random local port and stops it when the test ends.
// The memory backend has a single user "username" with password "password".
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	srv := &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}

	go func() {
		// Serve returns an error once Close shuts the listener.
		_ = s.Serve(listener)
	}()
	t.Cleanup(srv.Close)

	srv.waitReady(t)
	return srv
}

func (s *TestIMAPServer) waitReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", s.Address, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("IMAP server at %s did not come up: %v", s.Address, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close shuts down the server. Connected clients see their connection drop.
func (s *TestIMAPServer) Close() {
	s.closeOnce.Do(func() {
		_ = s.Server.Close()
	})
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new logged-in IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateFolder creates a mailbox for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}
