package eventloop

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestTimerFiresAndStops(t *testing.T) {
	m := New()
	if err := m.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	fired := 0
	if _, err := m.AddTimer(5*time.Millisecond, func() Action {
		fired++
		if fired >= 3 {
			m.Exit()
			return Stop
		}
		return Continue
	}); err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fired != 3 {
		t.Errorf("fired = %d, want 3", fired)
	}
}

func TestPostIterationCallbackRunsAfterEachEvent(t *testing.T) {
	m := New()
	if err := m.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	var hookCalls, timerCalls int
	m.SetPostIterationCallback(func() { hookCalls++ })

	if _, err := m.AddTimer(5*time.Millisecond, func() Action {
		timerCalls++
		if timerCalls >= 2 {
			m.Exit()
		}
		return Continue
	}); err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if hookCalls < timerCalls {
		t.Errorf("hookCalls = %d, want at least timerCalls = %d", hookCalls, timerCalls)
	}
}

func TestSignalSourceDispatchesSelfSignal(t *testing.T) {
	m := New()
	if err := m.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	received := make(chan SignalEvent, 1)
	if _, err := m.AddSignalSource([]unix.Signal{unix.SIGUSR1}, func(ev SignalEvent) {
		received <- ev
		m.Exit()
	}); err != nil {
		t.Fatalf("AddSignalSource: %v", err)
	}

	if err := unix.Kill(os.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Signo != uint32(unix.SIGUSR1) {
			t.Errorf("Signo = %d, want %d", ev.Signo, unix.SIGUSR1)
		}
	default:
		t.Error("signal callback was never invoked")
	}
}

func TestSetupTwicePanics(t *testing.T) {
	m := New()
	if err := m.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("calling Setup twice should panic")
		}
	}()
	m.Setup()
}

func TestAddTimerRejectsSubMillisecondPeriod(t *testing.T) {
	m := New()
	if err := m.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := m.AddTimer(time.Microsecond, func() Action { return Stop }); err == nil {
		t.Error("expected an error for a sub-millisecond timer period")
	}
}
