package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

var (
	ErrSubprocessLaunchFailed = errors.New("tunnel: subprocess launch failed")
	ErrSubprocessRuntimeError = errors.New("tunnel: subprocess runtime error")
	ErrSessionClosed          = errors.New("tunnel: session closed")
	ErrAlreadyStarted         = errors.New("tunnel: session already started")
)

// State 会话状态：Idle → Launching → Ready → Closed，Launching → Failed
type State int32

const (
	StateIdle State = iota
	StateLaunching
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal Closed 与 Failed 不可再迁移
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// SessionConfig 子进程参数
type SessionConfig struct {
	Command     []string // 控制器程序及其前置参数
	Options     Options
	Env         []string
	EventBuffer int
	StopTimeout time.Duration
}

// Session 监管一个隧道子进程
type Session struct {
	cfg SessionConfig
	log *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	url      string
	err      error
	code     int
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stopping bool

	events    chan Event
	readyOnce sync.Once
	exited    chan struct{}
	lastError string // 就绪前最后一条错误事件
}

func NewSession(cfg SessionConfig, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Session{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, cfg.EventBuffer),
		exited: make(chan struct{}),
	}
}

// Launch 启动子进程，不等待就绪；ctx 结束时按 stop 流程关闭子进程
func (s *Session) Launch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state.Terminal():
		return ErrSessionClosed
	case s.state != StateIdle:
		return ErrAlreadyStarted
	}

	opts := s.cfg.Options
	if opts.Port <= 0 || opts.Port > 65535 {
		return s.failLocked(errors.New(MsgInvalidPort))
	}
	if len(s.cfg.Command) == 0 {
		return s.failLocked(errors.New("no tunnel command configured"))
	}

	args := append(append([]string{}, s.cfg.Command[1:]...), opts.Args()...)
	cmd := exec.CommandContext(ctx, s.cfg.Command[0], args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stderr = &zapio.Writer{Log: s.log.Desugar().With(zap.String("stream", "tunnel.stderr")), Level: zapcore.WarnLevel}
	cmd.Cancel = func() error {
		s.requestStop()
		return nil
	}
	cmd.WaitDelay = s.cfg.StopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.failLocked(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failLocked(err)
	}
	if err := cmd.Start(); err != nil {
		return s.failLocked(err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.state = StateLaunching
	s.log.Infow("tunnel launching", "pid", cmd.Process.Pid, "args", args)
	go s.supervise(stdout)
	return nil
}

// failLocked 启动阶段失败：合成一条错误事件并终结会话
func (s *Session) failLocked(cause error) error {
	s.state = StateFailed
	s.code = 1
	s.err = fmt.Errorf("%w: %v", ErrSubprocessLaunchFailed, cause)
	s.push(errorEvent(cause.Error()))
	close(s.events)
	close(s.exited)
	s.log.Errorw("tunnel launch failed", "error", cause)
	return s.err
}

// Stop 请求优雅关闭并等待退出；ctx 到期则强制结束子进程
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateIdle:
		s.state = StateClosed
		close(s.events)
		close(s.exited)
		s.mu.Unlock()
		return nil
	case s.state.Terminal():
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.requestStop()
	select {
	case <-s.exited:
		_, err := s.Wait()
		return err
	case <-ctx.Done():
		s.log.Warnw("tunnel stop timed out, killing", "error", ctx.Err())
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
		return ctx.Err()
	}
}

// requestStop 只发送一次 stop 指令，随后关闭控制输入
func (s *Session) requestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.stdin == nil {
		return
	}
	s.stopping = true
	if _, err := io.WriteString(s.stdin, StopDirective+"\n"); err != nil {
		s.log.Debugw("tunnel stop write failed", "error", err)
	}
	_ = s.stdin.Close()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Events 子进程事件；会话终结后关闭
func (s *Session) Events() <-chan Event { return s.events }

// Wait 阻塞到会话终结，返回子进程退出码
func (s *Session) Wait() (int, error) {
	<-s.exited
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.err
}

// supervise 读取事件直到输出关闭，再回收子进程
func (s *Session) supervise(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.log.Warnw("tunnel emitted non-event line", "line", string(line))
			continue
		}
		s.handle(ev)
	}
	if err := sc.Err(); err != nil {
		s.log.Warnw("tunnel output read failed", "error", err)
	}

	waitErr := s.cmd.Wait()
	code := s.cmd.ProcessState.ExitCode()

	s.mu.Lock()
	s.code = code
	switch {
	case s.state == StateLaunching && !s.stopping:
		s.state = StateFailed
		s.err = fmt.Errorf("%w: exit code %d: %s", ErrSubprocessLaunchFailed, code, s.lastError)
	case s.stopping && code == 0:
		s.state = StateClosed
	default:
		s.state = StateClosed
		s.err = fmt.Errorf("%w: exit code %d", ErrSubprocessRuntimeError, code)
		if waitErr != nil && code == -1 {
			s.err = fmt.Errorf("%w: %v", ErrSubprocessRuntimeError, waitErr)
		}
	}
	state, err := s.state, s.err
	s.mu.Unlock()

	s.log.Infow("tunnel exited", "code", code, "state", state.String(), "error", err)
	close(s.events)
	close(s.exited)
}

func (s *Session) handle(ev Event) {
	switch ev.Event {
	case EventReady:
		first := false
		s.readyOnce.Do(func() {
			first = true
			s.mu.Lock()
			if s.state == StateLaunching {
				s.state = StateReady
				s.url = ev.URL
			}
			s.mu.Unlock()
		})
		if !first {
			s.log.Warnw("duplicate ready dropped", "url", ev.URL)
			return
		}
		s.log.Infow("tunnel ready", "url", ev.URL)
	case EventError:
		s.mu.Lock()
		if s.state == StateLaunching {
			s.lastError = ev.Message
		}
		s.mu.Unlock()
		s.log.Warnw("tunnel error", "message", ev.Message)
	case EventClosed:
		s.log.Infow("tunnel closed")
	case EventBoot:
		s.log.Debugw("tunnel boot", "cwd", ev.Cwd, "argv", ev.Argv, "go", ev.Go)
	default:
		s.log.Debugw("tunnel unknown event", "event", ev.Event)
	}
	s.push(ev)
}

// push 队列满时丢弃最旧的事件，读取方永不阻塞
func (s *Session) push(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case old := <-s.events:
			s.log.Warnw("tunnel event dropped", "event", old.Event)
		default:
		}
	}
}
