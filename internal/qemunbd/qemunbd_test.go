package qemunbd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgsUnixSocketRawFile(t *testing.T) {
	s := New(Options{
		File:       &RawFile{Filename: "/var/tmp/disk.raw", Offset: 0, Size: 1024, NoBacking: true},
		ExportName: "vol1",
		Shared:     4,
		DirectIO:   true,
		Address:    Address{Unix: "/tmp/qemunbd.sock"},
	})

	args, err := s.buildArgs()
	require.NoError(t, err)
	assert.Contains(t, args, "--export-name=vol1")
	assert.Contains(t, args, "--persistent")
	assert.Contains(t, args, "--shared=4")
	assert.Contains(t, args, "--socket=/tmp/qemunbd.sock")
	assert.Contains(t, args, "--cache=none")
	assert.Contains(t, args, "--aio=native")
	assert.Contains(t, args[len(args)-1], "json:")
}

func TestBuildArgsImageFile(t *testing.T) {
	s := New(Options{
		Image:      "/var/tmp/disk.qcow2",
		ExportName: "vol2",
		ReadOnly:   true,
		Discard:    "unmap",
		Address:    Address{Host: "0.0.0.0", Port: 10809},
	})

	args, err := s.buildArgs()
	require.NoError(t, err)
	assert.Contains(t, args, "--bind=0.0.0.0")
	assert.Contains(t, args, "--port=10809")
	assert.Contains(t, args, "--read-only")
	assert.Contains(t, args, "--discard=unmap")
	assert.Contains(t, args, "--cache=writeback")
	assert.Equal(t, "/var/tmp/disk.qcow2", args[len(args)-1])
}

func TestBuildArgsRejectsBothImageAndFile(t *testing.T) {
	s := New(Options{
		Image:   "/var/tmp/disk.qcow2",
		File:    &RawFile{Filename: "/var/tmp/disk.raw"},
		Address: Address{Unix: "/tmp/x.sock"},
	})
	_, err := s.buildArgs()
	assert.Error(t, err)
}

func TestBuildArgsRejectsNeitherImageNorFile(t *testing.T) {
	s := New(Options{Address: Address{Unix: "/tmp/x.sock"}})
	_, err := s.buildArgs()
	assert.Error(t, err)
}

func TestWaitForSocketSucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("unix", t.TempDir()+"/qemunbd-test.sock")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	addr := Address{Unix: ln.Addr().String()}
	ok := waitForSocket(addr, time.Second)
	assert.True(t, ok)
}

func TestWaitForSocketTimesOutWhenNothingListens(t *testing.T) {
	addr := Address{Unix: t.TempDir() + "/nothing-here.sock"}
	ok := waitForSocket(addr, 50*time.Millisecond)
	assert.False(t, ok)
}
