// Package supervisor is the PID-1 state machine: it owns the running
// process set, the ordered startup/shutdown wave scheduler, and the
// safe-mode trigger, driving all of it from the single-threaded event
// multiplexer in eventloop.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandstone-labs/unit-init/cmdline"
	"github.com/sandstone-labs/unit-init/eventloop"
	"github.com/sandstone-labs/unit-init/inittab"
	"github.com/sandstone-labs/unit-init/logsink"
	"github.com/sandstone-labs/unit-init/mount"
	"github.com/sandstone-labs/unit-init/process"
	"github.com/sandstone-labs/unit-init/reboot"
	"github.com/sandstone-labs/unit-init/safemode"
	"github.com/sandstone-labs/unit-init/tty"
	"github.com/sandstone-labs/unit-init/watchdog"
)

// Stage is the supervisor's current position in its lifecycle. It
// governs what the post-iteration hook, stageMaintenance, does.
type Stage int

const (
	Setup Stage = iota
	Startup
	Run
	Termination
	Shutdown
	Close
)

func (s Stage) String() string {
	switch s {
	case Setup:
		return "setup"
	case Startup:
		return "startup"
	case Run:
		return "run"
	case Termination:
		return "termination"
	case Shutdown:
		return "shutdown"
	case Close:
		return "close"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Config holds the tunables and external paths the supervisor needs at
// Setup. DefaultConfig fills in the values spec.md names as defaults.
type Config struct {
	InittabPath    string
	FstabPath      string
	LogDevice      string
	WatchdogDevice string
	// ExePath is the argv[0] used to re-exec this binary into the
	// safe-mode placeholder; normally "/proc/self/exe".
	ExePath string
	// MountTable is mounted, in order, before the inittab is loaded.
	MountTable []mount.Entry

	TimeoutTerm    time.Duration
	TimeoutOneShot time.Duration
}

// DefaultConfig returns the configuration spec.md's defaults describe.
func DefaultConfig() Config {
	return Config{
		InittabPath:    inittab.DefaultPath,
		FstabPath:      "/etc/fstab",
		LogDevice:      logsink.DefaultDevice,
		WatchdogDevice: watchdog.DefaultDevice,
		ExePath:        "/proc/self/exe",
		MountTable:     mount.StaticTable,
		TimeoutTerm:    3000 * time.Millisecond,
		TimeoutOneShot: 3000 * time.Millisecond,
	}
}

// Supervisor is the single, process-wide owner of the running set, the
// stage, and the wave cursor. Per spec.md's design notes it is an
// explicit value threaded through the event loop's callbacks rather
// than module-level state, so it can in principle be driven by a fake
// multiplexer in tests.
type Supervisor struct {
	cfg Config
	log *logsink.Sink

	mux      *eventloop.Mux
	table    *process.Table
	watchdog *watchdog.Feeder

	set          *inittab.Set
	safeModeProc *safemode.Handle

	// spawnFn defaults to spawnExec; tests substitute a fake so the
	// wave scheduler can be exercised without forking real processes.
	spawnFn func(*inittab.Entry, *logsink.Sink) (int, error)

	stage          Stage
	remaining      []*inittab.Entry
	pendingFinish  uint32
	hasOneShot     bool
	oneShotTimerH  eventloop.Handle
	oneShotArmed   bool
	killTimerH     eventloop.Handle
	killTimerArmed bool

	shutdownCmd reboot.Command
	safeModeOn  bool
}

// New constructs a Supervisor. Call Run to enter Setup and block until
// Close.
func New(cfg Config, log *logsink.Sink) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		log:     log,
		mux:     eventloop.New(),
		table:   process.NewTable(),
		stage:   Setup,
		spawnFn: spawnExec,
	}
}

// Run performs Setup and then blocks in the event multiplexer until a
// shutdown sequence completes, finally invoking Execute to reboot the
// machine. It returns on an unrecoverable Setup error or a failure of
// the multiplexer itself; once the multiplexer has started, fatal
// conditions (including a failed reboot) end the process with
// os.Exit(1), matching spec.md §7's error-class design.
func (s *Supervisor) Run() error {
	if err := s.setup(); err != nil {
		return fmt.Errorf("supervisor: setup: %w", err)
	}
	return s.mux.Start()
}

func (s *Supervisor) setup() error {
	if err := mount.MountAll(s.cfg.MountTable, s.log); err != nil {
		return err
	}
	if entries, err := mount.LoadFstab(s.cfg.FstabPath); err != nil {
		s.log.Warningf("supervisor: fstab unavailable, continuing without it: %v", err)
	} else if err := mount.MountFstab(entries, s.log); err != nil {
		s.log.Warningf("supervisor: fstab mount failure: %v", err)
	}

	if err := reboot.DisableCtrlAltDel(); err != nil {
		s.log.SyscallErrorf(err, "supervisor: disable ctrl-alt-del failed")
	}
	if err := reboot.DisableSysrq(); err != nil {
		s.log.SyscallErrorf(err, "supervisor: disable sysrq failed")
	}

	set, err := inittab.Load(s.cfg.InittabPath)
	if err != nil {
		return err
	}
	s.set = set

	if err := s.mux.Setup(); err != nil {
		return err
	}
	mask := []unix.Signal{unix.SIGCHLD, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2}
	if _, err := s.mux.AddSignalSource(mask, s.onSignal); err != nil {
		return err
	}

	if err := s.forkSafeModePlaceholder(); err != nil {
		return fmt.Errorf("safe-mode placeholder: %w", err)
	}

	s.watchdog = watchdog.Open(s.cfg.WatchdogDevice, s.log)
	if _, err := s.mux.AddTimer(s.watchdog.Period(), func() eventloop.Action {
		s.watchdog.Feed()
		return eventloop.Continue
	}); err != nil {
		s.log.Warningf("supervisor: watchdog timer: %v", err)
	}

	s.mux.SetPostIterationCallback(s.stageMaintenance)

	s.enterStartup()
	return nil
}

func (s *Supervisor) forkSafeModePlaceholder() error {
	res, err := cmdline.Parse(s.set.SafeMode.ProcessName)
	if err != nil {
		return err
	}
	h, err := safemode.Fork(s.cfg.ExePath, safemode.RecoveryCommand{Env: res.Env, Args: res.Args})
	if err != nil {
		return err
	}
	s.safeModeProc = h
	s.table.Insert(h.Pid, s.set.SafeMode)
	return nil
}

// restartSafeModePlaceholder re-creates the pipe and re-forks the
// placeholder, per spec.md §4.3's "Restart" paragraph. The old pipe's
// write end is discarded first.
func (s *Supervisor) restartSafeModePlaceholder() error {
	if s.safeModeProc != nil {
		s.safeModeProc.Close()
	}
	return s.forkSafeModePlaceholder()
}

// triggerSafeMode writes the crash descriptor to the placeholder. On
// EPIPE -- the placeholder having died before the trigger could be
// delivered -- it restarts the placeholder and retries exactly once,
// per spec.md §9's "Safe-mode pipe as a rendezvous" note.
func (s *Supervisor) triggerSafeMode(processName string, signal int32) {
	if s.safeModeProc == nil {
		s.log.Panicf("supervisor: safe mode triggered with no placeholder")
		return
	}
	err := s.safeModeProc.Trigger(processName, signal)
	if err != nil && safemode.IsEPIPE(err) {
		s.log.Warningf("supervisor: placeholder died before trigger, restarting: %v", err)
		if rerr := s.restartSafeModePlaceholder(); rerr != nil {
			s.log.Panicf("supervisor: could not restart safe-mode placeholder: %v", rerr)
			return
		}
		err = s.safeModeProc.Trigger(processName, signal)
	}
	if err != nil {
		s.log.Panicf("supervisor: safe-mode trigger failed: %v", err)
		return
	}
	s.safeModeOn = true
}

// --- Stage transitions --------------------------------------------------

func (s *Supervisor) enterStartup() {
	s.stage = Startup
	if err := s.startProcesses(s.set.StartupList); err != nil {
		s.log.Panicf("supervisor: start_processes(startup): %v", err)
		return
	}
	s.stageMaintenance()
}

func (s *Supervisor) enterRun() {
	s.stage = Run
	s.mux.SetPostIterationCallback(nil)
	s.watchdog.NotifyReady()
	s.log.Infof("supervisor: entering run stage")
}

func (s *Supervisor) enterTermination(cmd reboot.Command) {
	s.shutdownCmd = cmd
	s.remaining = nil
	s.pendingFinish = 0
	s.cancelOneShotTimer()
	s.stage = Termination

	placeholderPid := -1
	if s.safeModeProc != nil {
		placeholderPid = s.safeModeProc.Pid
	}
	s.table.Each(func(p *process.Process) {
		if p.Pid == placeholderPid {
			return
		}
		s.log.Infof("supervisor: sending SIGTERM to %s (pid %d)", p.Config.ProcessName, p.Pid)
		unix.Kill(p.Pid, unix.SIGTERM)
	})
	s.armKillTimer()
	s.mux.SetPostIterationCallback(s.stageMaintenance)
	s.stageMaintenance()
}

func (s *Supervisor) enterShutdownOrClose() {
	if len(s.set.ShutdownList) == 0 {
		s.enterClose()
		return
	}
	s.stage = Shutdown
	if err := s.startProcesses(s.set.ShutdownList); err != nil {
		s.log.Panicf("supervisor: start_processes(shutdown): %v", err)
		return
	}
	s.stageMaintenance()
}

func (s *Supervisor) enterClose() {
	s.stage = Close
	mount.UnmountAll(s.cfg.MountTable, s.log)
	s.watchdog.Disarm()
	if err := reboot.Execute(s.shutdownCmd); err != nil {
		s.log.SyscallErrorf(err, "supervisor: reboot failed")
		os.Exit(1)
	}
	s.mux.Exit()
}

// stageMaintenance is the post-iteration hook, invoked after every
// dispatched event (and once synchronously right after each stage's
// entry action, to cover waves with no one-shot to wait on).
func (s *Supervisor) stageMaintenance() {
	switch s.stage {
	case Startup, Shutdown:
		if s.pendingFinish != 0 {
			return
		}
		s.cancelOneShotTimer()
		if s.remaining != nil {
			list := s.remaining
			s.remaining = nil
			if err := s.startProcesses(list); err != nil {
				s.log.Panicf("supervisor: start_processes: %v", err)
			}
			return
		}
		if s.stage == Startup {
			s.enterRun()
		} else {
			s.enterClose()
		}
	case Termination:
		if s.table.Len() <= 1 {
			s.cancelKillTimer()
			s.enterShutdownOrClose()
		}
	}
}

// --- Ordered-wave scheduler ----------------------------------------------

// startProcesses runs list's first wave (and, per spec.md §4.4.2 step 3,
// any immediately-following services-only waves), arming the one-shot
// warning timer if any one-shot was spawned, and saves the unprocessed
// tail as s.remaining.
func (s *Supervisor) startProcesses(list []*inittab.Entry) error {
	if len(list) == 0 {
		return fmt.Errorf("start_processes called with an empty list")
	}
	idx := 0
	for {
		currentOrder := list[idx].Order
		s.pendingFinish = 0
		s.hasOneShot = false
		for idx < len(list) && list[idx].Order == currentOrder {
			entry := list[idx]
			idx++
			s.spawnOne(entry)
		}
		if idx < len(list) && !s.hasOneShot {
			continue
		}
		break
	}
	if s.hasOneShot {
		s.armOneShotTimer()
	}
	if idx < len(list) {
		s.remaining = list[idx:]
	} else {
		s.remaining = nil
	}
	return nil
}

func (s *Supervisor) spawnOne(entry *inittab.Entry) {
	pid, err := s.spawnFn(entry, s.log)
	if err != nil {
		s.log.Errorf("supervisor: spawn %q failed: %v", entry.ProcessName, err)
		if entry.Type.IsSafe() {
			s.triggerSafeMode(entry.ProcessName, -1)
		}
		return
	}
	s.table.Insert(pid, entry)
	s.log.Infof("supervisor: started %q (pid %d, order %d, type %s)", entry.ProcessName, pid, entry.Order, entry.Type)
	if entry.Type.IsOneShot() {
		s.pendingFinish++
		s.hasOneShot = true
	}
}

func (s *Supervisor) armOneShotTimer() {
	s.cancelOneShotTimer()
	h, err := s.mux.AddTimer(s.cfg.TimeoutOneShot, func() eventloop.Action {
		if s.pendingFinish != 0 {
			s.log.Warningf("supervisor: one-shot wave still has %d process(es) outstanding after %s", s.pendingFinish, s.cfg.TimeoutOneShot)
		}
		s.oneShotArmed = false
		return eventloop.Stop
	})
	if err != nil {
		s.log.Warningf("supervisor: could not arm one-shot timer: %v", err)
		return
	}
	s.oneShotTimerH = h
	s.oneShotArmed = true
}

func (s *Supervisor) cancelOneShotTimer() {
	if s.oneShotArmed {
		_ = s.mux.RemoveTimer(s.oneShotTimerH)
		s.oneShotArmed = false
	}
}

func (s *Supervisor) armKillTimer() {
	s.cancelKillTimer()
	h, err := s.mux.AddTimer(s.cfg.TimeoutTerm, func() eventloop.Action {
		s.killTimerArmed = false
		s.table.Each(func(p *process.Process) {
			if s.safeModeProc != nil && p.Pid == s.safeModeProc.Pid {
				return
			}
			s.log.Warningf("supervisor: %q (pid %d) ignored SIGTERM, sending SIGKILL", p.Config.ProcessName, p.Pid)
			unix.Kill(p.Pid, unix.SIGKILL)
		})
		return eventloop.Stop
	})
	if err != nil {
		s.log.Warningf("supervisor: could not arm kill timer: %v", err)
		return
	}
	s.killTimerH = h
	s.killTimerArmed = true
}

func (s *Supervisor) cancelKillTimer() {
	if s.killTimerArmed {
		_ = s.mux.RemoveTimer(s.killTimerH)
		s.killTimerArmed = false
	}
}

// --- Signal handling -------------------------------------------------------

func (s *Supervisor) onSignal(ev eventloop.SignalEvent) {
	switch unix.Signal(ev.Signo) {
	case unix.SIGCHLD:
		s.reapChildren()
	case unix.SIGTERM:
		s.beginShutdown(reboot.Reboot)
	case unix.SIGUSR1:
		s.beginShutdown(reboot.Halt)
	case unix.SIGUSR2:
		s.beginShutdown(reboot.PowerOff)
	}
}

func (s *Supervisor) beginShutdown(cmd reboot.Command) {
	if s.stage == Termination || s.stage == Shutdown || s.stage == Close {
		return
	}
	s.log.Infof("supervisor: shutdown signal received, command=%s", cmd)
	s.enterTermination(cmd)
}

// reapChildren drains every exited child via waitpid(WNOHANG), per
// spec.md §4.4.4: signalfd coalesces multiple pending SIGCHLD into one
// deliverable event, so a single handler invocation must loop until no
// child remains to reap.
func (s *Supervisor) reapChildren() {
	var triggerSafe bool
	var safeName string
	var safeSignal int32
	var restartPlaceholder bool

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				break
			}
			s.log.Panicf("supervisor: waitpid: %v", err)
			return
		}
		if pid <= 0 {
			break
		}

		p := s.table.Find(pid)
		if p == nil {
			s.log.Warningf("supervisor: reaped untracked pid %d", pid)
			continue
		}
		entry := p.Config
		abnormal := !ws.Exited() || ws.ExitStatus() != 0

		if entry.Type.IsSafe() && abnormal {
			if entry.Type == inittab.SafeMode {
				if s.safeModeOn {
					s.log.Panicf("supervisor: safe-mode recovery program died abnormally")
					return
				}
				restartPlaceholder = true
			} else {
				triggerSafe = true
				safeName = entry.ProcessName
				safeSignal = 0
				if ws.Signaled() {
					safeSignal = int32(ws.Signal())
				}
			}
		}
		if entry.Type.IsOneShot() && (s.stage == Startup || s.stage == Shutdown) && s.pendingFinish > 0 {
			s.pendingFinish--
		}
		s.table.Remove(pid)
		s.log.Infof("supervisor: reaped %q (pid %d)", entry.ProcessName, pid)
	}

	if triggerSafe {
		s.triggerSafeMode(safeName, safeSignal)
	} else if restartPlaceholder {
		if err := s.restartSafeModePlaceholder(); err != nil {
			s.log.Panicf("supervisor: could not restart safe-mode placeholder: %v", err)
		}
	}
}

// --- Fork & exec -----------------------------------------------------------

// spawnExec launches entry's process, per spec.md §4.4.3. It follows the
// same "let exec.Cmd perform fork+exec together" idiom used for the
// safe-mode placeholder (safemode.Fork): Go code cannot safely run
// between a raw fork(2) and exec, so the post-fork setup steps the spec
// describes -- resetting the signal mask, setsid, ctty, stdio
// redirection -- are expressed as fields of syscall.SysProcAttr and
// carried out by the kernel in the child. TIOCSCTTY in particular is
// session-scoped and must happen in the child after its own setsid(),
// via SysProcAttr{Setctty: true}; tty.Configure only touches termios
// settings on the shared device fd, which is safe to do from the
// parent since it acts on the device, not on any process's session.
func spawnExec(entry *inittab.Entry, log *logsink.Sink) (int, error) {
	res, err := cmdline.Parse(entry.ProcessName)
	if err != nil {
		return -1, err
	}

	cmd := buildCmd(res)
	attr := &unix.SysProcAttr{Setsid: true}

	if entry.CttyPath != "" {
		f, err := tty.Open(entry.CttyPath)
		if err != nil {
			return -1, err
		}
		defer f.Close()
		if err := tty.Configure(int(f.Fd())); err != nil {
			return -1, err
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = f, f, f
		attr.Setctty = true
		attr.Ctty = 0
	} else {
		devnull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
		if err != nil {
			return -1, err
		}
		defer devnull.Close()
		cmd.Stdin = devnull
		logFile := log.File()
		if logFile == nil {
			logFile = devnull
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("spawn: %w", err)
	}

	if entry.CoreID >= 0 {
		var set unix.CPUSet
		set.Set(int(entry.CoreID))
		if err := unix.SchedSetaffinity(cmd.Process.Pid, &set); err != nil {
			killAfterStartFailure(cmd.Process.Pid)
			return -1, fmt.Errorf("spawn: sched_setaffinity: %w", err)
		}
	}

	// cmd.Wait is deliberately never called: this process's own
	// waitpid(WNOHANG) reap loop (reapChildren) reaps every child that
	// was started successfully; only a child killed above after a
	// failed affinity call is reaped directly, by killAfterStartFailure.
	return cmd.Process.Pid, nil
}

// buildCmd resolves res.Args[0] against PATH (execvpe semantics) and
// builds a Cmd whose environment is exactly res.Env -- the tokenized
// KEY=VALUE bindings from the inittab entry, not the supervisor's own
// environment, matching execvpe(args[0], args, env) in spec.md §4.4.3.
func buildCmd(res cmdline.Result) *exec.Cmd {
	path, err := exec.LookPath(res.Args[0])
	if err != nil {
		path = res.Args[0]
	}
	cmd := exec.Command(path, res.Args[1:]...)
	cmd.Args[0] = res.Args[0]
	// exec.Cmd treats a nil Env as "inherit the supervisor's own
	// environment"; spec.md's execvpe(args[0], args, env) call passes
	// only the tokenized bindings, so an empty result must stay a
	// non-nil empty slice here.
	cmd.Env = res.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	return cmd
}

func killAfterStartFailure(pid int) {
	unix.Kill(pid, unix.SIGKILL)
	var ws unix.WaitStatus
	unix.Wait4(pid, &ws, 0, nil)
}
