package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"
)

// CommandDialer spawns the engine process for every operation and talks to
// it over stdin/stdout.
func CommandDialer(name string, args ...string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &procConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}

// SocketDialer connects to an engine listening on a local socket.
func SocketDialer(network, address string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
}

type procConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	once sync.Once
	err  error
}

func (p *procConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *procConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *procConn) Close() error {
	p.once.Do(func() {
		p.err = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		waitErr := p.cmd.Wait()
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			p.err = errors.Join(p.err, waitErr)
		}
	})
	return p.err
}
