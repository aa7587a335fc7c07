// Package terminal manages tenant-owned interactive PTY sessions running
// inside sandboxed shells.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// DefaultShell is used when the spawn request does not name one.
const DefaultShell = "/bin/bash"

// SpawnSpec describes a sandboxed PTY to start. Callbacks are installed
// before the first byte can arrive, so each session has exactly one data and
// one exit sink.
type SpawnSpec struct {
	TenantID string
	Shell    string
	Env      []string
	Dir      string
	Cols     uint16
	Rows     uint16
	OnData   func([]byte)
	OnExit   func(code int, res ProcUsage)
}

// ProcUsage is the resource consumption a process reports when it exits.
// Zero values mean the spawner could not measure.
type ProcUsage struct {
	CPUSeconds      float64
	PeakMemoryBytes int64
}

// Proc is an opaque handle over a running PTY process.
type Proc interface {
	PID() int
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Kill() error
}

// Spawner starts sandboxed PTY processes. The concrete sandbox wiring
// (namespaces, cgroups) lives behind this interface.
type Spawner interface {
	Spawn(spec SpawnSpec) (Proc, error)
}

// SandboxSpawner runs the shell in a PTY rooted at the tenant's sandbox
// directory.
type SandboxSpawner struct{}

type ptyProc struct {
	cmd *exec.Cmd
	f   *os.File

	mu     sync.Mutex
	closed bool
}

// Spawn starts the shell under a fresh PTY and wires the data/exit callbacks.
func (SandboxSpawner) Spawn(spec SpawnSpec) (Proc, error) {
	shell := spec.Shell
	if shell == "" {
		shell = DefaultShell
	}
	cmd := exec.Command(shell)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "OPENCLAW_TENANT="+spec.TenantID)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	proc := &ptyProc{cmd: cmd, f: f}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 && spec.OnData != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				spec.OnData(data)
			}
			if err != nil {
				break
			}
		}
		code := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		var res ProcUsage
		if state := cmd.ProcessState; state != nil {
			res.CPUSeconds = (state.UserTime() + state.SystemTime()).Seconds()
			if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
				// Maxrss is KiB on Linux.
				res.PeakMemoryBytes = ru.Maxrss * 1024
			}
		}
		proc.mu.Lock()
		proc.closed = true
		proc.mu.Unlock()
		_ = f.Close()
		if spec.OnExit != nil {
			spec.OnExit(code, res)
		}
	}()

	return proc, nil
}

func (p *ptyProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProc) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pty closed")
	}
	_, err := p.f.Write(data)
	return err
}

func (p *ptyProc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pty closed")
	}
	return pty.Setsize(p.f, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *ptyProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
