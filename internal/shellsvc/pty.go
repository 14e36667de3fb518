package shellsvc

import (
	"bufio"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/gawd-ai/sctl/internal/ring"
)

// Session couples a spawned PTY-backed shell with the ring.Buffer its
// stdout copy loop feeds, so a tunnel client can serve
// GET /api/sessions/{id}/output?since=N straight out of the buffer.
type Session struct {
	ID         string
	cmd        *exec.Cmd
	master     *os.File
	Output     *ring.Buffer
	WorkingDir string
	Shell      string
}

// SpawnOptions controls how a Session's shell is started.
type SpawnOptions struct {
	Shell      string
	WorkingDir string
	Env        map[string]string
	Rows, Cols uint16
	RingSize   int
}

// Spawn allocates a PTY, starts shell as a login-shell session leader
// attached to it, and begins copying its output into a ring.Buffer.
func Spawn(id string, opts SpawnOptions) (*Session, error) {
	shell := opts.Shell
	if shell == "" {
		shells := DetectShells()
		if len(shells) == 0 {
			shell = "/bin/sh"
		} else {
			shell = shells[0]
		}
	}

	cmd := exec.Command(shell, "-l")
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	if len(opts.Env) > 0 {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}

	ringSize := opts.RingSize
	if ringSize <= 0 {
		ringSize = 4096
	}

	s := &Session{
		ID:         id,
		cmd:        cmd,
		master:     master,
		Output:     ring.New(ringSize),
		WorkingDir: opts.WorkingDir,
		Shell:      shell,
	}
	go s.copyOutput()
	return s, nil
}

// copyOutput pushes everything read from the PTY master into the
// session's ring buffer as Stdout entries, since a PTY multiplexes the
// child's stdout and stderr onto one fd.
func (s *Session) copyOutput() {
	reader := bufio.NewReaderSize(s.master, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			s.Output.Push(ring.Stdout, string(buf[:n]))
		}
		if err != nil {
			s.Output.Push(ring.System, "session closed")
			return
		}
	}
}

// Write sends input to the shell's stdin via the PTY master.
func (s *Session) Write(data []byte) (int, error) {
	return s.master.Write(data)
}

// Resize adjusts the PTY's terminal window size.
func (s *Session) Resize(rows, cols uint16) error {
	return pty.Setsize(s.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close terminates the shell and releases the PTY master.
func (s *Session) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.master.Close()
}

// Wait blocks until the shell process exits.
func (s *Session) Wait() error {
	return s.cmd.Wait()
}
