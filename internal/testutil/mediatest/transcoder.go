package mediatest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

// Transcoder is a fake ports.Transcoder that records jobs and hands out
// controllable processes.
type Transcoder struct {
	mu        sync.Mutex
	Jobs      []ports.TranscodeJob
	Processes []*Process

	PrepareErr error
	StartErr   error
	// WritePlaylist makes Start create playlist.m3u8 immediately.
	WritePlaylist bool
	// IgnoreStop makes processes keep running after Stop; only Kill ends them.
	IgnoreStop bool
}

var _ ports.Transcoder = (*Transcoder)(nil)

func (t *Transcoder) Prepare(job ports.TranscodeJob) error {
	if t.PrepareErr != nil {
		return t.PrepareErr
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(job.SdpPath(), []byte("v=0\r\n"), 0o644)
}

func (t *Transcoder) Start(ctx context.Context, job ports.TranscodeJob) (domain.TranscoderProcess, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Jobs = append(t.Jobs, job)
	if t.StartErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTranscoderSpawn, t.StartErr)
	}
	if t.WritePlaylist {
		if err := os.WriteFile(job.PlaylistPath(), []byte("#EXTM3U\n"), 0o644); err != nil {
			return nil, err
		}
	}

	p := &Process{
		pid:        1000 + len(t.Processes),
		done:       make(chan struct{}),
		ignoreStop: t.IgnoreStop,
	}
	t.Processes = append(t.Processes, p)
	return p, nil
}

func (t *Transcoder) Started() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Processes)
}

func (t *Transcoder) Process(i int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Processes[i]
}

// Process is a fake domain.TranscoderProcess.
type Process struct {
	pid        int
	ignoreStop bool

	mu     sync.Mutex
	stops  int
	kills  int
	exit   domain.ProcessExit
	done   chan struct{}
	exited bool
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Stop() error {
	p.mu.Lock()
	p.stops++
	ignore := p.ignoreStop
	p.mu.Unlock()

	if !ignore {
		p.finish(domain.ProcessExit{Code: 0})
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()

	p.finish(domain.ProcessExit{Code: -1})
	return nil
}

// Crash ends the process as if it died on its own with code.
func (p *Process) Crash(code int) {
	p.finish(domain.ProcessExit{Code: code})
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Exit() domain.ProcessExit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *Process) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

func (p *Process) finish(exit domain.ProcessExit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	exit.ExitedAt = time.Now()
	p.exit = exit
	p.exited = true
	close(p.done)
}
