package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haivemind/haivemind/internal/backend"
	"github.com/haivemind/haivemind/internal/protocol"
	"github.com/haivemind/haivemind/pkg/models"
)

// attachProcess wires the subprocess streams into the agent's ring
// buffer, enforces the per-agent timeout, and settles the agent from the
// exit code. Blocks until the process exits.
func (m *Manager) attachProcess(ctx context.Context, ag *models.Agent, proc backend.Process, task *models.Task) {
	ring := m.ring(ag.ID)
	stream := newStreamCoalescer(m, ag, m.cfg.AgentStreamInterval)
	defer stream.stop()

	var readers sync.WaitGroup
	readChunks := func(r io.Reader) {
		defer readers.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			chunk := scanner.Text() + "\n"
			ring.Append(chunk)
			m.bc.Broadcast(protocol.New(protocol.AgentOutput, map[string]any{
				"sessionId": m.sessionID,
				"agentId":   ag.ID,
				"taskId":    task.ID,
				"chunk":     chunk,
			}))
			stream.add(chunk)
		}
	}
	readers.Add(2)
	go readChunks(proc.Stdout())
	go readChunks(proc.Stderr())

	// Single timeout per attempt: SIGTERM, then SIGKILL after the grace
	// period if the process lingers.
	var timedOut atomic.Bool
	timeout := time.AfterFunc(m.cfg.AgentTimeout, func() {
		timedOut.Store(true)
		ring.Append(fmt.Sprintf("[haivemind] agent timed out after %s, terminating\n", m.cfg.AgentTimeout))
		proc.Terminate()
		time.AfterFunc(termGrace, func() { proc.Kill() })
	})
	defer timeout.Stop()

	// Cancelled context (session shutdown) also tears the process down.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			proc.Terminate()
			time.AfterFunc(termGrace, func() { proc.Kill() })
		case <-waitDone:
		}
	}()

	code, waitErr := proc.Wait()
	close(waitDone)
	readers.Wait()
	stream.flush()

	switch {
	case m.shuttingDown.Load():
		m.settle(ag, models.AgentStatusInterrupted, "killed during shutdown")
	case timedOut.Load():
		m.settle(ag, models.AgentStatusFailed, fmt.Sprintf("timeout after %s", m.cfg.AgentTimeout))
	case waitErr != nil:
		ring.Append(fmt.Sprintf("wait failed: %v\n", waitErr))
		m.settle(ag, models.AgentStatusFailed, "wait: "+waitErr.Error())
	case code == 0:
		m.settle(ag, models.AgentStatusSuccess, "")
	default:
		m.settle(ag, models.AgentStatusFailed, fmt.Sprintf("exit code %d", code))
	}
}

// streamCoalescer batches output into AGENT_STREAM broadcasts on a
// throttle interval, so observers that only render the live tail are not
// flooded by per-line messages.
type streamCoalescer struct {
	m        *Manager
	ag       *models.Agent
	interval time.Duration

	mu      sync.Mutex
	pending []byte

	done chan struct{}
	once sync.Once
}

func newStreamCoalescer(m *Manager, ag *models.Agent, interval time.Duration) *streamCoalescer {
	if interval <= 0 {
		interval = 750 * time.Millisecond
	}
	s := &streamCoalescer{m: m, ag: ag, interval: interval, done: make(chan struct{})}
	go s.loop()
	return s
}

func (s *streamCoalescer) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.done:
			return
		}
	}
}

func (s *streamCoalescer) add(chunk string) {
	s.mu.Lock()
	s.pending = append(s.pending, chunk...)
	s.mu.Unlock()
}

func (s *streamCoalescer) flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := string(s.pending)
	s.pending = s.pending[:0]
	s.mu.Unlock()

	s.m.bc.Broadcast(protocol.New(protocol.AgentStream, map[string]any{
		"sessionId": s.m.sessionID,
		"agentId":   s.ag.ID,
		"taskId":    s.ag.TaskID,
		"text":      batch,
	}))
}

func (s *streamCoalescer) stop() {
	s.once.Do(func() { close(s.done) })
}
