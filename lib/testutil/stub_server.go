// Package testutil provides servers and certificates for exercising the
// client against real sockets in tests.
package testutil

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// HelloResponse is a minimal keep-alive response with a six byte body.
const HelloResponse = "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nhello!"

// ConnHandler serves one accepted connection. It owns conn until it returns.
type ConnHandler func(s *StubServer, conn net.Conn)

// StubServer is a raw TCP server that speaks just enough HTTP/1.1 to answer
// canned responses and record the request heads it receives.
type StubServer struct {
	mu       sync.Mutex
	listener net.Listener
	handler  ConnHandler
	requests []string
	conns    map[net.Conn]struct{}
	running  bool
	addr     string
	accepted atomic.Int32
	wg       sync.WaitGroup
}

// NewStubServer starts a server on a random loopback port that answers every
// request on a connection with response, keeping the connection open.
func NewStubServer(response string) (*StubServer, error) {
	return NewStubServerFunc(func(s *StubServer, conn net.Conn) {
		s.ServeCanned(conn, response)
	})
}

// NewSilentServer starts a server that accepts connections and never writes.
// TLS clients pointed at it stall in the handshake.
func NewSilentServer() (*StubServer, error) {
	return NewStubServerFunc(func(_ *StubServer, conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
}

// NewStubServerFunc starts a server that hands each connection to h.
func NewStubServerFunc(h ConnHandler) (*StubServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &StubServer{
		listener: ln,
		handler:  h,
		conns:    make(map[net.Conn]struct{}),
		running:  true,
		addr:     ln.Addr().String(),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *StubServer) Addr() string {
	return s.addr
}

// URL returns an http URL for the server.
func (s *StubServer) URL() string {
	return "http://" + s.addr
}

// Accepted returns how many connections have been accepted.
func (s *StubServer) Accepted() int {
	return int(s.accepted.Load())
}

// Requests returns the raw request heads received so far, in arrival order.
func (s *StubServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	copy(out, s.requests)
	return out
}

// DropConnections closes every open server-side connection.
func (s *StubServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops accepting, closes open connections and waits for handlers.
func (s *StubServer) Close() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	err := s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

func (s *StubServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.accepted.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.handler(s, conn)
		}()
	}
}

func (s *StubServer) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// ServeCanned answers each request read from conn with response until the
// peer disconnects.
func (s *StubServer) ServeCanned(conn net.Conn, response string) {
	br := bufio.NewReader(conn)
	for {
		if _, err := s.ReadRequest(br); err != nil {
			return
		}
		if _, err := io.WriteString(conn, response); err != nil {
			return
		}
	}
}

// ReadRequest reads one request head and discards any Content-Length body.
// The head is recorded and returned without the trailing blank line.
func (s *StubServer) ReadRequest(br *bufio.Reader) (string, error) {
	var head strings.Builder
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		head.WriteString(line)
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}
	if contentLength > 0 {
		if _, err := io.CopyN(io.Discard, br, int64(contentLength)); err != nil {
			return "", err
		}
	}

	req := head.String()
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return req, nil
}

// ClosedAddr returns a loopback address with nothing listening on it.
func ClosedAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}
