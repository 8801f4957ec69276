// Package eventloop implements the supervisor's single-threaded,
// cooperative event multiplexer: one epoll endpoint fed by a signalfd
// source and any number of auto-rearming monotonic timers, dispatching
// exactly one callback per ready source and invoking a post-iteration
// hook after each dispatched event.
package eventloop

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Action is the return value of a timer callback: whether the timer
// should keep rearming (Continue) or be removed (Stop).
type Action int

const (
	// Continue leaves the timer registered; it rearms automatically.
	Continue Action = iota
	// Stop causes the multiplexer to remove and destroy the timer.
	Stop
)

// SignalEvent is the structured record delivered to a signal source's
// callback, derived from the kernel's signalfd_siginfo.
type SignalEvent struct {
	Signo  uint32
	Code   int32
	Pid    uint32
	Status int32
}

type sourceKind int

const (
	kindSignal sourceKind = iota
	kindTimer
)

type source struct {
	kind     sourceKind
	fd       int
	signalCb func(SignalEvent)
	timerCb  func() Action
}

// Handle identifies a registered source for later removal. Handles are
// arena indices starting at 0; Add* returns -1 alongside an error when
// registration fails.
type Handle int

const invalidHandle Handle = -1

// Mux is the event multiplexer. The zero value is not usable; construct
// one with New.
type Mux struct {
	epfd      int
	exitR     int
	exitW     int
	sources   []*source // arena, indexed by Handle; nil entries are free slots
	setupDone bool
	running   bool
	postHook  func()
}

// New allocates a Mux. Call Setup before registering sources.
func New() *Mux {
	return &Mux{epfd: -1}
}

// Setup initializes the epoll endpoint and the internal exit pipe.
// Calling Setup twice is a programming error and panics, matching the
// "idempotent failure" contract in the design.
func (m *Mux) Setup() error {
	if m.setupDone {
		panic("eventloop: Setup called twice")
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return fmt.Errorf("eventloop: pipe2: %w", err)
	}
	m.epfd = epfd
	m.exitR, m.exitW = fds[0], fds[1]
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, m.exitR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(m.exitR)}); err != nil {
		unix.Close(m.epfd)
		unix.Close(m.exitR)
		unix.Close(m.exitW)
		return fmt.Errorf("eventloop: epoll_ctl(exit): %w", err)
	}
	m.setupDone = true
	return nil
}

// AddSignalSource creates a signalfd over mask and registers it with the
// multiplexer. cb is invoked once per pending signal drained from the fd.
func (m *Mux) AddSignalSource(mask []unix.Signal, cb func(SignalEvent)) (Handle, error) {
	var set unix.Sigset_t
	for _, s := range mask {
		addSignal(&set, s)
	}
	// Block the signals on this thread first: signalfd only delivers
	// signals that are blocked, otherwise the default disposition (or a
	// pre-existing handler) fires instead.
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return invalidHandle, fmt.Errorf("eventloop: pthread_sigmask: %w", err)
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return invalidHandle, fmt.Errorf("eventloop: signalfd: %w", err)
	}
	return m.register(&source{kind: kindSignal, fd: fd, signalCb: cb})
}

// AddTimer creates a monotonic, auto-rearming timer firing every period
// and registers it. period must be at least 1ms. cb's return value
// determines whether the timer stays registered.
func (m *Mux) AddTimer(period time.Duration, cb func() Action) (Handle, error) {
	if period < time.Millisecond {
		return invalidHandle, fmt.Errorf("eventloop: timer period must be >= 1ms, got %s", period)
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return invalidHandle, fmt.Errorf("eventloop: timerfd_create: %w", err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(int64(period)),
		Value:    unix.NsecToTimespec(int64(period)),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return invalidHandle, fmt.Errorf("eventloop: timerfd_settime: %w", err)
	}
	return m.register(&source{kind: kindTimer, fd: fd, timerCb: cb})
}

func (m *Mux) register(s *source) (Handle, error) {
	ev := &unix.EpollEvent{Events: unix.EPOLLIN}
	idx := m.allocSlot(s)
	ev.Fd = int32(idx)
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, s.fd, ev); err != nil {
		m.sources[idx] = nil
		unix.Close(s.fd)
		return invalidHandle, fmt.Errorf("eventloop: epoll_ctl(add): %w", err)
	}
	return Handle(idx), nil
}

func (m *Mux) allocSlot(s *source) int {
	for i, existing := range m.sources {
		if existing == nil {
			m.sources[i] = s
			return i
		}
	}
	m.sources = append(m.sources, s)
	return len(m.sources) - 1
}

// RemoveTimer deregisters and releases a timer source.
func (m *Mux) RemoveTimer(h Handle) error {
	return m.remove(h, kindTimer)
}

// RemoveSignalSource deregisters and releases a signal source.
func (m *Mux) RemoveSignalSource(h Handle) error {
	return m.remove(h, kindSignal)
}

func (m *Mux) remove(h Handle, want sourceKind) error {
	if h < 0 || int(h) >= len(m.sources) || m.sources[h] == nil {
		return nil
	}
	s := m.sources[h]
	if s.kind != want {
		return fmt.Errorf("eventloop: handle %d is not the expected source kind", h)
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, s.fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(del): %w", err)
	}
	unix.Close(s.fd)
	m.sources[h] = nil
	return nil
}

// SetPostIterationCallback installs or detaches (pass nil) the hook run
// once after each dispatched event.
func (m *Mux) SetPostIterationCallback(cb func()) {
	m.postHook = cb
}

// Start blocks dispatching events until Exit is called.
func (m *Mux) Start() error {
	if !m.setupDone {
		return fmt.Errorf("eventloop: Start called before Setup")
	}
	m.running = true
	events := make([]unix.EpollEvent, 16)
	for m.running {
		n, err := unix.EpollWait(m.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}
		for i := 0; i < n && m.running; i++ {
			fd := int(events[i].Fd)
			if fd == m.exitR {
				m.drainExitPipe()
				m.running = false
				continue
			}
			if fd < 0 || fd >= len(m.sources) || m.sources[fd] == nil {
				continue
			}
			m.dispatch(Handle(fd))
			if m.postHook != nil {
				m.postHook()
			}
		}
	}
	return m.teardown()
}

func (m *Mux) dispatch(h Handle) {
	s := m.sources[h]
	switch s.kind {
	case kindSignal:
		ev := readSignalfd(s.fd)
		s.signalCb(ev)
	case kindTimer:
		readTimerfd(s.fd)
		if s.timerCb() == Stop {
			_ = m.RemoveTimer(h)
		}
	}
}

func (m *Mux) drainExitPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(m.exitR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Exit cooperatively stops the multiplexer; the next return from the
// blocking wait tears the loop down.
func (m *Mux) Exit() {
	unix.Write(m.exitW, []byte{0})
}

func (m *Mux) teardown() error {
	for i, s := range m.sources {
		if s != nil {
			unix.Close(s.fd)
			m.sources[i] = nil
		}
	}
	unix.Close(m.exitR)
	unix.Close(m.exitW)
	unix.Close(m.epfd)
	return nil
}

const signalfdSiginfoSize = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// readSignalfd performs the mandatory full read of one signalfd_siginfo
// record. A short read is a fatal invariant violation (the fd is
// level-triggered and EPOLLIN guaranteed a full record is available).
func readSignalfd(fd int) SignalEvent {
	buf := make([]byte, signalfdSiginfoSize)
	n, err := unix.Read(fd, buf)
	if err != nil || n != signalfdSiginfoSize {
		panic(fmt.Sprintf("eventloop: short/failed read from signalfd: n=%d err=%v", n, err))
	}
	info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
	return SignalEvent{
		Signo:  info.Signo,
		Code:   info.Code,
		Pid:    info.Pid,
		Status: info.Status,
	}
}

// readTimerfd performs the mandatory read of the 8-byte expiration
// counter. A short read is a fatal invariant violation.
func readTimerfd(fd int) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n != 8 {
		panic(fmt.Sprintf("eventloop: short/failed read from timerfd: n=%d err=%v", n, err))
	}
}

// addSignal sets signal s's bit in a Linux sigset_t. x/sys/unix exposes
// Sigset_t as a raw [16]uint64 word array (1-indexed signal numbers);
// there is no portable helper for this, so the bit arithmetic is done
// directly, mirroring how the kernel's own sigsetops macros work.
func addSignal(set *unix.Sigset_t, s unix.Signal) {
	bit := uint(s) - 1
	set.Val[bit/64] |= 1 << (bit % 64)
}
