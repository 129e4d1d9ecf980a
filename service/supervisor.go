package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"worker-tracker/config"
	"worker-tracker/constant"
	"worker-tracker/pkg/bridge"
)

const (
	stderrLimit = 8 << 10
	waitDelay   = 5 * time.Second
)

// ExitStatus describes how a bridge process ended.
type ExitStatus struct {
	Code       int
	Stderr     string
	StopReason string
	TimedOut   bool
	Err        error
}

type Handlers struct {
	OnEvent func(bridge.Event)
	OnExit  func(ExitStatus)
}

// Process is a running bridge.
type Process interface {
	Stop(reason string)
}

// Launcher runs the bridge in check and stream mode.
type Launcher interface {
	Check(ctx context.Context, username string) (*bridge.Snapshot, error)
	Start(ctx context.Context, opts bridge.Options, h Handlers) (Process, error)
}

type bridgeLauncher struct {
	cfg config.Tracker
}

func NewBridgeLauncher(cfg config.Tracker) Launcher {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 25 * time.Second
	}
	if cfg.CheckDuration <= 0 {
		cfg.CheckDuration = 5
	}
	return &bridgeLauncher{cfg: cfg}
}

func (l *bridgeLauncher) command(ctx context.Context, opts bridge.Options) *exec.Cmd {
	args := append(append([]string{}, l.cfg.BridgeArgs...), opts.Args()...)
	cmd := exec.CommandContext(ctx, l.cfg.BridgeCommand, args...)
	cmd.Cancel = func() error {
		return killTree(cmd)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

func (l *bridgeLauncher) options(mode constant.BridgeMode, username string) bridge.Options {
	return bridge.Options{
		Mode:              mode,
		Username:          username,
		DurationSec:       l.cfg.CheckDuration,
		SampleIntervalSec: DefaultSampleIntervalSec,
		MaxComments:       l.cfg.MaxComments,
		MaxGifts:          l.cfg.MaxGifts,
	}
}

func (l *bridgeLauncher) Check(ctx context.Context, username string) (*bridge.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CheckTimeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: stderrLimit}
	cmd := l.command(ctx, l.options(constant.BridgeModeCheck, username))
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	snap, ok := bridge.ParseSnapshot(stdout.Bytes(), time.Now().UTC())
	if !ok {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrLiveCheckFailed, l.cfg.CheckTimeout)
		}
		if runErr != nil {
			return nil, fmt.Errorf("%w: %v %s", ErrLiveCheckFailed, runErr, stderr.String())
		}
		return nil, fmt.Errorf("%w: bridge printed no snapshot", ErrLiveCheckFailed)
	}
	if !snap.Ok {
		msg := snap.Error
		if msg == "" {
			msg = "bridge reported failure"
		}
		return snap, fmt.Errorf("%w: %s", ErrLiveCheckFailed, msg)
	}
	return snap, nil
}

// Start spawns the bridge in stream mode. The process outlives ctx; it ends
// on its own, on Stop, or when the hard timeout fires.
func (l *bridgeLauncher) Start(ctx context.Context, opts bridge.Options, h Handlers) (Process, error) {
	opts.MaxComments = l.cfg.MaxComments
	opts.MaxGifts = l.cfg.MaxGifts

	limit := time.Duration(opts.DurationSec) * time.Second
	if opts.DurationSec <= 0 {
		limit = MaxDurationSec * time.Second
	}
	limit += l.cfg.TimeoutMargin

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
	pr, pw := io.Pipe()
	stderr := &cappedBuffer{limit: stderrLimit}

	cmd := l.command(runCtx, opts)
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		_ = pw.Close()
		return nil, fmt.Errorf("spawn bridge: %w", err)
	}

	p := &bridgeProcess{cancel: cancel}
	zerolog.Ctx(ctx).Info().Str("username", opts.Username).Int("pid", cmd.Process.Pid).Dur("timeout", limit).Msg("bridge started")

	decoded := make(chan struct{})
	go func() {
		defer close(decoded)
		_ = bridge.Decode(pr, func(ev bridge.Event) {
			if h.OnEvent != nil {
				h.OnEvent(ev)
			}
		})
		// Drain anything still written after a decode error.
		_, _ = io.Copy(io.Discard, pr)
	}()

	go func() {
		waitErr := cmd.Wait()
		_ = pw.Close()
		<-decoded
		cancel()

		status := ExitStatus{
			Code:       exitCode(cmd, waitErr),
			Stderr:     strings.TrimSpace(stderr.String()),
			StopReason: p.reason(),
		}
		if status.StopReason == "" && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			status.TimedOut = true
		}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			status.Err = waitErr
		}
		if h.OnExit != nil {
			h.OnExit(status)
		}
	}()

	return p, nil
}

type bridgeProcess struct {
	mu         sync.Mutex
	stopReason string
	cancel     context.CancelFunc
}

func (p *bridgeProcess) Stop(reason string) {
	p.mu.Lock()
	if p.stopReason == "" {
		p.stopReason = reason
	}
	p.mu.Unlock()
	p.cancel()
}

func (p *bridgeProcess) reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopReason
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// killTree kills the bridge together with anything it spawned.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if p, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		killChildren(p)
	}
	return cmd.Process.Kill()
}

func killChildren(p *process.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killChildren(child)
		_ = child.Kill()
	}
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
