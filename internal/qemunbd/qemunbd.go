// Package qemunbd supervises a qemu-nbd child process exposing a local
// image file as an NBD export, per spec §4.7. qemu-nbd itself is an
// opaque binary; this package only owns argument construction, startup
// socket polling, and graceful/forced shutdown.
package qemunbd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds both startup socket polling and shutdown, per
// spec §4.7.
const DefaultTimeout = 10 * time.Second

const pollStep = 20 * time.Millisecond

// Address is where qemu-nbd listens: exactly one of Unix or (Host, Port)
// must be set.
type Address struct {
	Unix string
	Host string
	Port int
}

func (a Address) String() string {
	if a.Unix != "" {
		return "unix:" + a.Unix
	}
	return fmt.Sprintf("tcp:%s:%d", a.Host, a.Port)
}

func (a Address) dial() (net.Conn, error) {
	if a.Unix != "" {
		return net.Dial("unix", a.Unix)
	}
	return net.Dial("tcp", net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port)))
}

func (a Address) args() ([]string, error) {
	switch {
	case a.Unix != "":
		return []string{"--socket=" + a.Unix}, nil
	case a.Host != "" || a.Port != 0:
		return []string{"--bind=" + a.Host, fmt.Sprintf("--port=%d", a.Port)}, nil
	default:
		return nil, errors.New("qemunbd: address has neither unix path nor host/port")
	}
}

// RawFile describes the `file=json:{...}` driver spec.Image spoke about
// in §4.7: a raw image, optionally windowed to [Offset, Offset+Size) of
// the underlying file, with an optional disabled backing chain.
type RawFile struct {
	Filename  string
	Offset    int64
	Size      int64
	NoBacking bool
}

func (f RawFile) marshal() (string, error) {
	m := map[string]any{
		"driver": "raw",
		"file":   map[string]any{"driver": "file", "filename": f.Filename},
	}
	if f.Size > 0 {
		m["offset"] = f.Offset
		m["size"] = f.Size
	}
	if f.NoBacking {
		m["backing"] = nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("qemunbd: marshaling file descriptor: %w", err)
	}
	return "json:" + string(b), nil
}

// Options configures Server.Start.
type Options struct {
	// Image names the file passed directly on the qemu-nbd command
	// line. Set Image XOR File (the json: raw-file descriptor).
	Image string
	File  *RawFile

	ExportName string
	ReadOnly   bool
	// Shared is the maximum number of concurrent client connections.
	// Zero defaults to 1.
	Shared int
	// DirectIO selects cache=none/aio=native; otherwise
	// cache=writeback/aio=threads, per spec §4.7.
	DirectIO bool
	Discard  string // "ignore" or "unmap"; empty omits --discard

	Address Address
	// Timeout bounds both startup polling and shutdown. Zero selects
	// DefaultTimeout.
	Timeout time.Duration
}

// Server supervises one qemu-nbd child process.
type Server struct {
	opts Options
	cmd  *exec.Cmd
	log  *log.Entry
}

// New returns a Server ready to Start with opts.
func New(opts Options) *Server {
	if opts.Shared <= 0 {
		opts.Shared = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Server{
		opts: opts,
		log:  log.WithField("component", "qemunbd"),
	}
}

// Start launches qemu-nbd and blocks until its socket is connectable or
// opts.Timeout elapses.
func (s *Server) Start() error {
	args, err := s.buildArgs()
	if err != nil {
		return err
	}

	s.log.WithField("args", args).Debug("starting qemu-nbd")
	cmd := exec.Command("qemu-nbd", args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("qemunbd: starting qemu-nbd: %w", err)
	}
	s.cmd = cmd

	if !waitForSocket(s.opts.Address, s.opts.Timeout) {
		_ = s.Stop()
		return fmt.Errorf("qemunbd: timeout waiting for socket %s", s.opts.Address)
	}
	s.log.WithField("address", s.opts.Address).Info("✅ qemu-nbd socket ready")
	return nil
}

func (s *Server) buildArgs() ([]string, error) {
	if (s.opts.Image == "") == (s.opts.File == nil) {
		return nil, errors.New("qemunbd: exactly one of Image or File must be set")
	}

	args := []string{
		"--export-name=" + s.opts.ExportName,
		"--persistent",
		fmt.Sprintf("--shared=%d", s.opts.Shared),
	}

	addrArgs, err := s.opts.Address.args()
	if err != nil {
		return nil, err
	}
	args = append(args, addrArgs...)

	if s.opts.ReadOnly {
		args = append(args, "--read-only")
	}
	if s.opts.DirectIO {
		args = append(args, "--cache=none", "--aio=native")
	} else {
		args = append(args, "--cache=writeback", "--aio=threads")
	}
	if s.opts.Discard != "" {
		args = append(args, "--discard="+s.opts.Discard)
	}

	if s.opts.File != nil {
		spec, err := s.opts.File.marshal()
		if err != nil {
			return nil, err
		}
		args = append(args, spec)
	} else {
		args = append(args, s.opts.Image)
	}
	return args, nil
}

// Stop sends SIGTERM, waits opts.Timeout, then SIGKILL if the process
// has not exited.
func (s *Server) Stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.WithError(err).Warn("⚠️ failed to send SIGTERM, killing qemu-nbd")
		return s.kill()
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		s.cmd = nil
		if err != nil {
			s.log.WithError(err).Debug("qemu-nbd exited with error")
		}
		return nil
	case <-time.After(s.opts.Timeout):
		s.log.Warn("⚠️ qemu-nbd did not exit within timeout, killing it")
		if err := s.kill(); err != nil {
			return err
		}
		<-done
		return nil
	}
}

func (s *Server) kill() error {
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("qemunbd: killing qemu-nbd: %w", err)
	}
	s.cmd = nil
	return nil
}

// waitForSocket polls addr with fixed-step 20ms retries (spec §4.7)
// until it is connectable or timeout elapses.
func waitForSocket(addr Address, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := addr.dial()
		if err == nil {
			conn.Close()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollStep)
	}
}
