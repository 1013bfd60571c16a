package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Size bounds for terminal dimensions. Requests outside these bounds are
// clamped, never rejected.
const (
	MinCols = 20
	MaxCols = 500
	MinRows = 5
	MaxRows = 300

	DefaultCols = 80
	DefaultRows = 24
)

// eventBuffer is the per-process event channel capacity. PTY reads block
// once the buffer is full, which pushes backpressure into the kernel's PTY
// buffer instead of growing memory.
const eventBuffer = 256

// EventType tags entries on a process event channel.
type EventType int

const (
	// EventData carries a chunk of process output.
	EventData EventType = iota
	// EventExit carries the final exit status. It is the last event on the
	// channel; the channel is closed immediately after it.
	EventExit
)

// Event is the tagged union delivered on Process.Events.
type Event struct {
	Type     EventType
	Data     []byte
	ExitCode int
	Signal   string
}

// SpawnOptions configures a new shell process.
type SpawnOptions struct {
	// Command is the shell binary to run. Empty means $SHELL, then /bin/bash.
	Command string
	// WorkingDir is the initial directory, with "~" expanded to home.
	// Empty means $HOME, then /tmp.
	WorkingDir string
	Cols       int
	Rows       int
	Env        map[string]string
}

// Process wraps one PTY-attached shell. Output and exit are delivered on
// the Events channel in emission order; the exit event occurs exactly once
// and the channel is closed after it.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	events chan Event
	exited chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// Clamp forces dimensions into the supported bounds. Used for resize,
// where any out-of-range request pins to the nearest bound.
func Clamp(cols, rows int) (int, int) {
	if cols < MinCols {
		cols = MinCols
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// ClampSize substitutes defaults for unset dimensions, then clamps. Used
// at session creation.
func ClampSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return Clamp(cols, rows)
}

// ExpandHome expands a leading "~" in path to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Spawn starts a shell under a new PTY. The process begins consuming OS
// resources immediately; callers own the returned Process and must Close it.
func Spawn(opts SpawnOptions) (*Process, error) {
	shell := opts.Command
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	workingDir := ExpandHome(opts.WorkingDir)
	if workingDir == "" {
		workingDir = os.Getenv("HOME")
	}
	if workingDir == "" {
		workingDir = "/tmp"
	}

	cols, rows := ClampSize(opts.Cols, opts.Rows)

	cmd := exec.Command(shell)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for key, value := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		ptmx:   ptmx,
		events: make(chan Event, eventBuffer),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go p.readLoop()

	return p, nil
}

// Events returns the process event channel. It carries output in emission
// order, then exactly one exit event, then closes.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Exited is closed once the process has exited and been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Write forwards input bytes to the shell. Writing to an exited process is
// a silent no-op: a race between teardown and trailing input is expected.
func (p *Process) Write(data []byte) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.ptmx.Write(data) //nolint:errcheck
}

// Resize requests a PTY resize. Failures on an exited process are swallowed.
func (p *Process) Resize(cols, rows int) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	pty.Setsize(p.ptmx, &pty.Winsize{ //nolint:errcheck
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// Close requests process termination. Idempotent and safe to call on an
// already-exited process.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.done)
		if p.cmd.Process != nil {
			p.cmd.Process.Kill() //nolint:errcheck
		}
		p.ptmx.Close()
	})
}

// readLoop pumps PTY output into the event channel until the shell exits,
// then emits the exit event and closes the channel.
func (p *Process) readLoop() {
	buf := make([]byte, 4096)
loop:
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.events <- Event{Type: EventData, Data: chunk}:
			case <-p.done:
				// Teardown in progress with no consumer draining; stop
				// pumping rather than block forever.
				break loop
			}
		}
		if err != nil {
			// EOF or EIO once the child side hangs up.
			break
		}
	}

	p.cmd.Wait() //nolint:errcheck

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.ptmx.Close()

	code, signal := exitStatus(p.cmd)
	select {
	case p.events <- Event{Type: EventExit, ExitCode: code, Signal: signal}:
	default:
		// Buffer full with no consumer; the channel close below still
		// signals the end of the stream.
	}
	close(p.events)
	close(p.exited)
}

// exitStatus extracts the exit code and terminating signal name, if any.
func exitStatus(cmd *exec.Cmd) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}
