//go:build linux

package watch

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/memtrap/memtrap/internal/ring"
)

// UFFD ioctl numbers, computed from linux/userfaultfd.h's _IOWR/_IOR macros
// for the amd64 struct layouts below. golang.org/x/sys/unix does not export
// these (userfaultfd has no unix.Uffdio* wrappers), so they're hand-encoded
// the same way other Go programs using uffd do.
const (
	_UFFDIO_API          = 0xc018aa3f
	_UFFDIO_REGISTER     = 0xc020aa00
	_UFFDIO_UNREGISTER   = 0x8010aa01
	_UFFDIO_WRITEPROTECT = 0xc018aa06

	_UFFD_API = 0xAA

	_UFFDIO_REGISTER_MODE_WP = 1 << 1

	_UFFDIO_WRITEPROTECT_MODE_WP = 1 << 0

	_UFFD_EVENT_PAGEFAULT     = 0x12
	_UFFD_PAGEFAULT_FLAG_WP   = 1 << 1
	uffdMsgSize               = 32
)

type uffdioAPI struct {
	api           uint64
	features      uint64
	ioctlsBitmask uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegister struct {
	rng           uffdioRange
	mode          uint64
	ioctlsBitmask uint64
}

type uffdioWriteprotect struct {
	rng  uffdioRange
	mode uint64
}

// trap is the Linux userfaultfd write-fault handler. It registers
// write-protected ranges, reads uffd_msg pagefault notifications off a
// dedicated goroutine, and enqueues a RawFault per notification onto the
// engine's ring before clearing write-protection so the faulting thread can
// proceed — the fault-to-enqueue path never runs user callbacks directly.
type trap struct {
	fd         int
	pageSize   uintptr
	ring       *ring.Ring
	lookupPage func(uintptr) (*pageRecord, bool)
	seq        atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

func newTrap(r *ring.Ring, lookupPage func(uintptr) (*pageRecord, bool)) (trapController, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("watch: userfaultfd: %w", errno)
	}

	api := uffdioAPI{api: _UFFD_API}
	if err := ioctl(int(fd), _UFFDIO_API, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("watch: UFFDIO_API: %w", err)
	}

	t := &trap{
		fd:         int(fd),
		pageSize:   uintptr(unix.Getpagesize()),
		ring:       r,
		lookupPage: lookupPage,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go t.readLoop()

	return t, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

func (t *trap) Arm(pageAddr, pageSize uintptr) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(pageAddr), len: uint64(pageSize)},
		mode: _UFFDIO_REGISTER_MODE_WP,
	}

	if err := ioctl(t.fd, _UFFDIO_REGISTER, unsafe.Pointer(&reg)); err != nil {
		return fmt.Errorf("watch: UFFDIO_REGISTER: %w", err)
	}

	return t.setWriteProtect(pageAddr, pageSize, true)
}

// Rearm re-enables write-protection on a page that was cleared to let a
// faulting write through, without re-registering the range.
func (t *trap) Rearm(pageAddr, pageSize uintptr) error {
	return t.setWriteProtect(pageAddr, pageSize, true)
}

func (t *trap) Disarm(pageAddr, pageSize uintptr) error {
	rng := uffdioRange{start: uint64(pageAddr), len: uint64(pageSize)}

	if err := ioctl(t.fd, _UFFDIO_UNREGISTER, unsafe.Pointer(&rng)); err != nil {
		return fmt.Errorf("watch: UFFDIO_UNREGISTER: %w", err)
	}

	return nil
}

func (t *trap) setWriteProtect(pageAddr, pageSize uintptr, enable bool) error {
	wp := uffdioWriteprotect{rng: uffdioRange{start: uint64(pageAddr), len: uint64(pageSize)}}
	if enable {
		wp.mode = _UFFDIO_WRITEPROTECT_MODE_WP
	}

	if err := ioctl(t.fd, _UFFDIO_WRITEPROTECT, unsafe.Pointer(&wp)); err != nil {
		return fmt.Errorf("watch: UFFDIO_WRITEPROTECT: %w", err)
	}

	return nil
}

func (t *trap) Close() error {
	close(t.stop)
	<-t.done

	return unix.Close(t.fd)
}

func (t *trap) nextSeq() uint64 {
	return t.seq.Add(1)
}

// readLoop blocks on reads from the uffd fd and turns each pagefault
// notification into a RawFault push, clearing write-protection on the
// faulted page so the writer thread can retry and complete. It never
// touches the registry's mutex-guarded maps, only the lock-free page
// table, so a slow Watch/Unwatch call never stalls a faulting thread.
func (t *trap) readLoop() {
	defer close(t.done)

	buf := make([]byte, uffdMsgSize)
	pfds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		n, err := unix.Poll(pfds, 250)
		if err != nil || n == 0 {
			continue
		}

		nr, err := unix.Read(t.fd, buf)
		if err != nil || nr != uffdMsgSize {
			continue
		}

		event := buf[0]
		if event != _UFFD_EVENT_PAGEFAULT {
			continue
		}

		flags := binary.LittleEndian.Uint64(buf[8:16])
		address := uintptr(binary.LittleEndian.Uint64(buf[16:24]))

		if flags&_UFFD_PAGEFAULT_FLAG_WP == 0 {
			continue
		}

		pageAddr := pageFloor(address, t.pageSize)

		if pr, ok := t.lookupPage(pageAddr); ok {
			pr.needsRearm.Store(true)

			t.ring.Push(ring.RawFault{
				Seq:            t.nextSeq(),
				TimestampNanos: time.Now().UnixNano(),
				PageAddr:       pageAddr,
			})
		}

		_ = t.setWriteProtect(pageAddr, t.pageSize, false)
	}
}
