/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package supervisor runs the supervised child and decides how supervision ends.
// supervisor 包运行被监督的子进程并决定监督的结束方式。
//
// The lifecycle is starting -> running -> terminating -> exited. While running,
// the first of {child exit, output timeout, termination signal, cancellation}
// drives the transition; later events are ignored.
// 生命周期为 starting -> running -> terminating -> exited。运行期间，
// {子进程退出、输出超时、终止信号、取消} 中最先发生的事件驱动状态转换，之后的事件被忽略。
package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fpco/health-check/internal/config"
	"github.com/fpco/health-check/internal/health"
	"github.com/fpco/health-check/internal/monitor"
	"github.com/fpco/health-check/internal/notify"
	"github.com/fpco/health-check/internal/process"
	"github.com/fpco/health-check/internal/reaper"
)

// Teardown timing
// 清理阶段的时间设置
const (
	// DefaultDrainTimeout is how long readers get to reach EOF after the child exits
	// DefaultDrainTimeout 是子进程退出后等待读取协程读到 EOF 的时长
	DefaultDrainTimeout = 500 * time.Millisecond

	// readerJoinTimeout bounds the wait for readers after the pipes are released
	readerJoinTimeout = 5 * time.Second
)

// ErrAlreadyRun indicates Run was called more than once
// ErrAlreadyRun 表示 Run 被调用了多次
var ErrAlreadyRun = errors.New("supervisor has already run")

// Transition is one state change
// Transition 表示一次状态变化
type Transition struct {
	From    State
	To      State
	At      time.Time
	Outcome *Outcome
}

// StateObserver is called synchronously on every transition
// StateObserver 在每次状态转换时被同步调用
type StateObserver func(t Transition)

// Options configures the supervisor. Components left nil are built from Config.
// Options 配置监督进程，未提供的组件根据 Config 构建。
type Options struct {
	Config *config.Config
	Logger *zap.Logger

	Manager    *process.Manager
	Reaper     *reaper.Reaper
	Dispatcher *notify.Dispatcher
	Health     *health.Server

	// Stdout and Stderr receive the child's pass-through output
	// Stdout 和 Stderr 接收子进程透传的输出
	Stdout io.Writer
	Stderr io.Writer

	DrainTimeout time.Duration
}

// Supervisor supervises one child process
// Supervisor 监督一个子进程
type Supervisor struct {
	cfg        *config.Config
	logger     *zap.Logger
	manager    *process.Manager
	reaper     *reaper.Reaper
	dispatcher *notify.Dispatcher
	health     *health.Server
	stdout     io.Writer
	stderr     io.Writer
	drain      time.Duration

	runID string

	mu        sync.Mutex
	state     State
	ran       bool
	startedAt time.Time
	child     *process.Child
	watchdog  *monitor.Watchdog
	outcome   *Outcome
	observers []StateObserver
}

// New creates a new Supervisor
// New 创建一个新的 Supervisor
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, config.ErrConfig
	}
	if len(cfg.Task.Command) == 0 {
		return nil, errors.Join(config.ErrConfig, process.ErrEmptyCommand)
	}

	runID := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runID))

	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		manager:    opts.Manager,
		reaper:     opts.Reaper,
		dispatcher: opts.Dispatcher,
		health:     opts.Health,
		stdout:     opts.Stdout,
		stderr:     opts.Stderr,
		drain:      opts.DrainTimeout,
		runID:      runID,
		state:      StateStarting,
	}
	if s.reaper == nil {
		s.reaper = reaper.New(reaper.Options{
			Mode:      cfg.Reaper.Mode,
			Subreaper: cfg.Reaper.Subreaper,
			Interval:  cfg.Reaper.Interval,
			Logger:    logger,
		})
	}
	if s.manager == nil {
		s.manager = process.NewManager(process.Options{
			KillGracePeriod:    cfg.Task.KillGracePeriod,
			SignalProcessGroup: cfg.Task.SignalProcessGroup,
		}, logger)
	}
	s.manager.WithClaimer(s.reaper)
	if s.dispatcher == nil {
		s.dispatcher = notify.FromConfig(cfg.Notify, logger)
	}
	if s.health == nil {
		s.health = health.NewServer(health.Options{
			GRPCAddress: cfg.Health.GRPCAddress,
			HTTPAddress: cfg.Health.HTTPAddress,
			Logger:      logger,
		}, s.Status)
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	if s.drain <= 0 {
		s.drain = DefaultDrainTimeout
	}
	return s, nil
}

// RunID identifies this supervision run in logs
// RunID 在日志中标识本次监督运行
func (s *Supervisor) RunID() string {
	return s.runID
}

// OnTransition registers an observer
// OnTransition 注册状态观察者
func (s *Supervisor) OnTransition(obs StateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// State returns the current state
// State 返回当前状态
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for the health endpoints
// Status 返回供健康检查端点使用的快照
func (s *Supervisor) Status() health.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := health.Status{
		State:     string(s.state),
		Running:   s.state == StateRunning,
		RunID:     s.runID,
		Command:   strings.Join(s.cfg.Task.Command, " "),
		StartedAt: s.startedAt,
	}
	if s.child != nil {
		st.ChildPID = s.child.Pid()
	}
	if s.watchdog != nil {
		st.LastActivity = s.watchdog.LastActivity()
	}
	if s.outcome != nil {
		st.Outcome = s.outcome.String()
	}
	return st
}

func (s *Supervisor) transition(to State, outcome *Outcome) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if outcome != nil {
		s.outcome = outcome
	}
	observers := append([]StateObserver(nil), s.observers...)
	s.mu.Unlock()

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if outcome != nil {
		fields = append(fields, zap.String("outcome", string(outcome.Kind)), zap.Int("exit_code", outcome.ExitCode))
	}
	s.logger.Info("State transition", fields...)

	s.health.SetServing(to == StateRunning)
	t := Transition{From: from, To: to, At: time.Now(), Outcome: outcome}
	for _, obs := range observers {
		obs(t)
	}
}

// Run supervises the configured command until a terminal event and returns the outcome.
// Every goroutine it started has finished when it returns.
// Run 监督配置的命令直到终止事件发生并返回结果；返回时其启动的所有协程均已结束。
func (s *Supervisor) Run(ctx context.Context) Outcome {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return Outcome{Kind: Fatal, Err: ErrAlreadyRun, ExitCode: ExitCodeConfig}
	}
	s.ran = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Supervisor starting",
		zap.Strings("command", s.cfg.Task.Command),
		zap.Duration("output_timeout", s.cfg.Task.OutputTimeout),
		zap.Bool("can_exit", s.cfg.Task.CanExit),
		zap.Bool("notifications", s.dispatcher.Enabled()))

	if err := s.cfg.Validate(); err != nil {
		s.logger.Error("Invalid configuration", zap.Error(err))
		outcome := Outcome{Kind: Fatal, Err: err, ExitCode: ExitCodeConfig}
		s.transition(StateExited, &outcome)
		return outcome
	}

	if s.health.Enabled() {
		if err := s.health.Start(ctx); err != nil {
			s.logger.Error("Failed to start health endpoints", zap.Error(err))
		}
	}
	s.reaper.Start(ctx)

	child, err := s.manager.Spawn(ctx, s.cfg.Task.Command)
	if err != nil {
		s.logger.Error("Failed to spawn child", zap.Error(err))
		outcome := Outcome{Kind: Fatal, Err: err, ExitCode: spawnExitCode(err)}
		s.teardown(nil, nil)
		s.transition(StateExited, &outcome)
		return outcome
	}
	s.reaper.Attach(child)

	wd := monitor.NewWatchdog(monitor.Options{
		Timeout:     s.cfg.Task.OutputTimeout,
		Passthrough: s.cfg.Task.Passthrough,
		Stdout:      s.stdout,
		Stderr:      s.stderr,
		OutputLines: s.cfg.Task.OutputLines,
		Logger:      s.logger,
	})
	s.mu.Lock()
	s.child = child
	s.watchdog = wd
	s.mu.Unlock()
	wd.Start(ctx, child.Stdout(), child.Stderr())
	s.transition(StateRunning, nil)

	var outcome Outcome
	select {
	case <-child.Done():
		outcome = s.onChildExit(ctx, child, wd)
	case ev := <-wd.Timeouts():
		outcome = s.onTimeout(ctx, child, wd, ev)
	case sig := <-s.reaper.Terminations():
		outcome = s.onTermination(child, sig)
	case <-ctx.Done():
		outcome = s.onCancel(ctx, child)
	}

	s.teardown(child, wd)
	s.transition(StateExited, &outcome)
	s.logger.Info("Supervisor finished", zap.Stringer("outcome", outcome))
	return outcome
}

// onChildExit handles a child that exited on its own
// onChildExit 处理子进程自行退出
func (s *Supervisor) onChildExit(ctx context.Context, child *process.Child, wd *monitor.Watchdog) Outcome {
	// A termination published together with the exit means the child died from the forwarded signal
	// 与退出同时发布的终止信号表示子进程死于被转发的信号
	select {
	case sig := <-s.reaper.Terminations():
		return s.onTermination(child, sig)
	default:
	}

	status, _ := child.PollExit()
	if s.cfg.Task.CanExit {
		s.logger.Info("Child exited, exiting is allowed", zap.Stringer("status", status))
		return Outcome{Kind: NormalExit, Status: status, HasStatus: true, ExitCode: status.ExitCode()}
	}

	s.transition(StateTerminating, nil)
	s.logger.Error("Child exited unexpectedly", zap.Stringer("status", status))
	// Let the readers pick up the final output before it is reported
	// 等待读取协程获取最后的输出后再上报
	wd.Stop()
	wd.Wait(s.drain)
	s.notify(context.WithoutCancel(ctx), notify.UnexpectedExit(status), wd.Tail().Lines())
	return Outcome{Kind: UnexpectedExit, Status: status, HasStatus: true, ExitCode: ExitCodeFailure}
}

// onTimeout kills the silent child and notifies concurrently
// onTimeout 终止静默的子进程并同时发送通知
func (s *Supervisor) onTimeout(ctx context.Context, child *process.Child, wd *monitor.Watchdog, ev monitor.TimeoutEvent) Outcome {
	s.transition(StateTerminating, nil)
	s.logger.Error("Child produced no output within timeout, killing",
		zap.Duration("silence", ev.Silence),
		zap.Duration("timeout", s.cfg.Task.OutputTimeout))

	recent := wd.Tail().Lines()
	bg := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		return child.Kill(bg)
	})
	g.Go(func() error {
		s.notify(bg, notify.OutputTimeout(s.cfg.Task.OutputTimeout), recent)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("Failed to kill child", zap.Error(err))
	}

	status, ok := child.PollExit()
	return Outcome{Kind: TimeoutKill, Status: status, HasStatus: ok, ExitCode: ExitCodeFailure}
}

// onTermination waits for the child to honour a forwarded signal, then kills it
// onTermination 等待子进程响应已转发的信号，超时后强制终止
func (s *Supervisor) onTermination(child *process.Child, sig os.Signal) Outcome {
	s.transition(StateTerminating, nil)
	s.logger.Info("Termination signal received, waiting for child",
		zap.Stringer("signal", sig),
		zap.Duration("grace_period", s.cfg.Task.KillGracePeriod))

	timer := time.NewTimer(s.cfg.Task.KillGracePeriod)
	defer timer.Stop()
	select {
	case <-child.Done():
	case <-timer.C:
		s.logger.Warn("Child did not exit within grace period, sending SIGKILL")
		if err := child.Signal(syscall.SIGKILL); err != nil {
			s.logger.Error("Failed to send SIGKILL", zap.Error(err))
		}
		<-child.Done()
	}

	status, _ := child.PollExit()
	return Outcome{Kind: SignalTerminated, Status: status, HasStatus: true, Signal: sig, ExitCode: status.ExitCode()}
}

// onCancel treats cancellation like a termination request
// onCancel 将取消视为终止请求
func (s *Supervisor) onCancel(ctx context.Context, child *process.Child) Outcome {
	s.transition(StateTerminating, nil)
	s.logger.Info("Supervision cancelled, stopping child", zap.Error(ctx.Err()))

	if err := child.Kill(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("Failed to kill child", zap.Error(err))
	}
	status, ok := child.PollExit()
	return Outcome{Kind: SignalTerminated, Status: status, HasStatus: ok, Signal: syscall.SIGTERM, ExitCode: status.ExitCode()}
}

// notify sends one notification; failures are logged and absorbed
// notify 发送一次通知，失败仅记录日志
func (s *Supervisor) notify(ctx context.Context, reason notify.Reason, recent []string) {
	payload := notify.NewPayload(s.cfg.App, reason, recent)
	if err := s.dispatcher.Notify(ctx, payload); err != nil {
		s.logger.Error("Failed to send notification",
			zap.String("reason", string(reason.Kind)),
			zap.Error(err))
	}
}

// teardown stops and joins every background task
// teardown 停止并等待所有后台任务结束
func (s *Supervisor) teardown(child *process.Child, wd *monitor.Watchdog) {
	if wd != nil {
		wd.Stop()
		if !wd.Wait(s.drain) {
			s.logger.Debug("Output streams still open after child exit, releasing pipes")
		}
	}
	if child != nil {
		if err := child.Release(); err != nil {
			s.logger.Debug("Failed to release pipes", zap.Error(err))
		}
	}
	if wd != nil && !wd.Wait(readerJoinTimeout) {
		s.logger.Warn("Stream readers did not finish", zap.Duration("timeout", readerJoinTimeout))
	}

	s.reaper.Detach()
	s.reaper.Stop()
	s.health.Stop()
}
