package backend

import (
	"context"
	"io"
	"sync"
	"time"
)

// Script controls one mock agent run.
type Script struct {
	// Chunks are written to stdout in order.
	Chunks []string
	// Stderr is written to stderr, if any.
	Stderr string
	// ExitCode is returned from Wait.
	ExitCode int
	// Delay is slept between chunks.
	Delay time.Duration
	// Hang keeps the process alive after its chunks until terminated.
	// Used to exercise timeouts and stall detection.
	Hang bool
}

// Mock is a backend that replays scripted output. Tests and demo mode
// use it in place of a real agent CLI.
type Mock struct {
	name string

	mu      sync.Mutex
	scripts []Script
	next    int
	// fallback is replayed when the script list is exhausted.
	fallback Script
}

// NewMock creates a mock backend that succeeds with a canned line by
// default.
func NewMock(name string) *Mock {
	return &Mock{
		name:     name,
		fallback: Script{Chunks: []string{"mock agent: task complete\n"}},
	}
}

// Enqueue appends scripts replayed in spawn order.
func (m *Mock) Enqueue(scripts ...Script) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, scripts...)
	return m
}

// SetFallback replaces the script used once the queue is exhausted.
func (m *Mock) SetFallback(s Script) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = s
	return m
}

// Name returns the backend name.
func (m *Mock) Name() string { return m.name }

// Spawn starts replaying the next script.
func (m *Mock) Spawn(ctx context.Context, prompt, workDir string, opts Options) (*SpawnResult, error) {
	m.mu.Lock()
	script := m.fallback
	if m.next < len(m.scripts) {
		script = m.scripts[m.next]
		m.next++
	}
	m.mu.Unlock()

	proc := newMockProcess(script)
	go proc.run(ctx)

	return &SpawnResult{
		Process:    proc,
		CLICommand: m.name + " --model " + opts.Model,
	}, nil
}

// mockProcess replays a script through in-memory pipes.
type mockProcess struct {
	script Script

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	killed   chan struct{}
	killOnce sync.Once

	mu       sync.Mutex
	exitCode int
}

func newMockProcess(script Script) *mockProcess {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &mockProcess{
		script:   script,
		stdoutR:  stdoutR,
		stdoutW:  stdoutW,
		stderrR:  stderrR,
		stderrW:  stderrW,
		done:     make(chan struct{}),
		killed:   make(chan struct{}),
		exitCode: script.ExitCode,
	}
}

func (p *mockProcess) run(ctx context.Context) {
	defer close(p.done)
	defer p.stdoutW.Close()
	defer p.stderrW.Close()

	for _, chunk := range p.script.Chunks {
		if p.script.Delay > 0 {
			select {
			case <-time.After(p.script.Delay):
			case <-p.killed:
				p.setExit(-1)
				return
			case <-ctx.Done():
				p.setExit(-1)
				return
			}
		}
		if _, err := p.stdoutW.Write([]byte(chunk)); err != nil {
			return
		}
	}
	if p.script.Stderr != "" {
		p.stderrW.Write([]byte(p.script.Stderr))
	}

	if p.script.Hang {
		select {
		case <-p.killed:
			p.setExit(-1)
		case <-ctx.Done():
			p.setExit(-1)
		}
	}
}

func (p *mockProcess) setExit(code int) {
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
}

func (p *mockProcess) Stdout() io.Reader { return p.stdoutR }
func (p *mockProcess) Stderr() io.Reader { return p.stderrR }

func (p *mockProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *mockProcess) Terminate() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func (p *mockProcess) Kill() error {
	return p.Terminate()
}

func (p *mockProcess) PID() int { return 0 }
