package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// WorkerFlag switches the binary into worker mode.
const WorkerFlag = "-sandbox-worker"

// SubprocessOptions configures a re-executed worker process.
type SubprocessOptions struct {
	Logger log.Logger
	// Path is the executable; empty means os.Executable().
	Path string
	// Args are passed after WorkerFlag.
	Args []string
	// Env is appended to the parent environment.
	Env []string
}

// procConn speaks to a child over its stdin/stdout and reaps it on Close.
type procConn struct {
	io.Reader
	stdin io.WriteCloser
	cmd   *exec.Cmd
}

func (p *procConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *procConn) Close() error {
	err := p.stdin.Close()
	if werr := p.cmd.Wait(); werr != nil {
		var exitErr *exec.ExitError
		if !errors.As(werr, &exitErr) {
			err = errors.Join(err, werr)
		}
	}
	return err
}

// StartSubprocess launches a worker process and returns a client bound to
// it. The worker exits when its stdin closes or ctx is cancelled.
func StartSubprocess(ctx context.Context, opts SubprocessOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	exe := opts.Path
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, xerrors.Wrap(err, "sandbox: locate executable")
		}
	}

	cmd := exec.CommandContext(ctx, exe, append([]string{WorkerFlag}, opts.Args...)...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Wrap(err, "sandbox: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(err, "sandbox: stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Wrapf(err, "sandbox: start %s", exe)
	}

	opts.Logger.Info(ctx, "sandbox worker started", "pid", cmd.Process.Pid, "path", exe)
	return NewClient(&procConn{Reader: stdout, stdin: stdin, cmd: cmd}, opts.Logger), nil
}

// stdio joins the process's own stdin and stdout.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// ServeStdio runs the worker loop on os.Stdin/os.Stdout. Logs must go to
// stderr since stdout carries frames.
func ServeStdio(ctx context.Context, opts ServerOptions) error {
	return Serve(ctx, stdio{}, opts)
}
