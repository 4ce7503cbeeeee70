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

package reaper

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("os/signal.loop"))
}

// fakeSource is an in-memory SignalSource
// fakeSource 是内存中的 SignalSource
type fakeSource struct {
	mu        sync.Mutex
	ch        chan os.Signal
	installed []os.Signal
	queued    []ProcessInfo
	torn      bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan os.Signal, 8)}
}

func (f *fakeSource) Install(sigs ...os.Signal) <-chan os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, sigs...)
	return f.ch
}

func (f *fakeSource) Reap() []ProcessInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.queued
	f.queued = nil
	return out
}

func (f *fakeSource) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = true
}

func (f *fakeSource) exit(pid, code int) {
	f.mu.Lock()
	f.queued = append(f.queued, ProcessInfo{Pid: pid, Status: syscall.WaitStatus(code << 8)})
	f.mu.Unlock()
	f.ch <- syscall.SIGCHLD
}

func (f *fakeSource) has(sig os.Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.installed {
		if s == sig {
			return true
		}
	}
	return false
}

// recorder is a Forwarder that records received signals
// recorder 是记录收到信号的 Forwarder
type recorder struct {
	mu   sync.Mutex
	sigs []os.Signal
}

func (r *recorder) Signal(sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
	return nil
}

func (r *recorder) received() []os.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]os.Signal(nil), r.sigs...)
}

func newTestReaper(t *testing.T, mode string) (*Reaper, *fakeSource) {
	src := newFakeSource()
	r := New(Options{Mode: mode, Source: src, Interval: time.Hour, Logger: zaptest.NewLogger(t)})
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r, src
}

// TestStart_InstallsSignals tests the installed signal set per mode
// TestStart_InstallsSignals 测试各模式下安装的信号集合
func TestStart_InstallsSignals(t *testing.T) {
	r, src := newTestReaper(t, ModeAlways)
	assert.True(t, r.Reaping())
	for _, sig := range []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGWINCH, syscall.SIGCHLD} {
		assert.True(t, src.has(sig), "missing %v", sig)
	}

	r2, src2 := newTestReaper(t, ModeNever)
	assert.False(t, r2.Reaping())
	assert.True(t, src2.has(syscall.SIGTERM))
	assert.False(t, src2.has(syscall.SIGCHLD))
}

// TestForward_PendingUntilAttach tests that early signals are forwarded on attach
// TestForward_PendingUntilAttach 测试附加前收到的信号在附加时转发
func TestForward_PendingUntilAttach(t *testing.T) {
	r, src := newTestReaper(t, ModeNever)

	src.ch <- syscall.SIGUSR1
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.pending) == 1
	}, time.Second, 5*time.Millisecond)

	rec := &recorder{}
	r.Attach(rec)
	assert.Equal(t, []os.Signal{syscall.SIGUSR1}, rec.received())

	src.ch <- syscall.SIGWINCH
	require.Eventually(t, func() bool { return len(rec.received()) == 2 }, time.Second, 5*time.Millisecond)

	// Forward-only signals never end supervision / 仅转发的信号不会结束监督
	select {
	case sig := <-r.Terminations():
		t.Fatalf("unexpected termination %v", sig)
	default:
	}
}

// TestForward_Termination tests that termination signals are published and forwarded
// TestForward_Termination 测试终止信号被发布并转发
func TestForward_Termination(t *testing.T) {
	r, src := newTestReaper(t, ModeNever)
	rec := &recorder{}
	r.Attach(rec)

	src.ch <- syscall.SIGTERM
	select {
	case sig := <-r.Terminations():
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(time.Second):
		t.Fatal("termination not published")
	}
	assert.Eventually(t, func() bool { return len(rec.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, rec.received())

	r.Detach()
	src.ch <- syscall.SIGINT
	<-r.Terminations()
	assert.Len(t, rec.received(), 1)
}

// orderingForwarder records whether the termination was published before it was forwarded
// orderingForwarder 记录终止信号是否在转发前已发布
type orderingForwarder struct {
	reaper    *Reaper
	published chan bool
}

func (f *orderingForwarder) Signal(sig os.Signal) error {
	f.published <- len(f.reaper.Terminations()) > 0
	return nil
}

// TestForward_TerminationPublishedFirst tests that terminations are visible before the child gets the signal
// TestForward_TerminationPublishedFirst 测试终止信号在子进程收到前已可见
func TestForward_TerminationPublishedFirst(t *testing.T) {
	r, src := newTestReaper(t, ModeNever)
	fwd := &orderingForwarder{reaper: r, published: make(chan bool, 1)}
	r.Attach(fwd)

	src.ch <- syscall.SIGTERM

	select {
	case published := <-fwd.published:
		assert.True(t, published)
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not forwarded")
	}
	assert.Equal(t, syscall.SIGTERM, <-r.Terminations())
}

// TestClaim_BeforeReap tests delivery to an existing claim
// TestClaim_BeforeReap 测试投递给已有的认领
func TestClaim_BeforeReap(t *testing.T) {
	r, src := newTestReaper(t, ModeAlways)
	ch, cancel := r.Claim(42)
	defer cancel()

	src.exit(42, 3)
	select {
	case ws := <-ch:
		assert.Equal(t, 3, ws.ExitStatus())
	case <-time.After(time.Second):
		t.Fatal("claimed status not delivered")
	}
}

// TestClaim_AfterReap tests that a late claim still gets the status
// TestClaim_AfterReap 测试迟到的认领仍能获得状态
func TestClaim_AfterReap(t *testing.T) {
	r, src := newTestReaper(t, ModeAlways)

	src.exit(7, 9)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.recent) == 1
	}, time.Second, 5*time.Millisecond)

	ch, cancel := r.Claim(7)
	defer cancel()
	ws := <-ch
	assert.Equal(t, 9, ws.ExitStatus())

	r.mu.Lock()
	assert.Empty(t, r.recent)
	r.mu.Unlock()
}

// TestClaim_Cancel tests that a cancelled claim falls back to orphan handling
// TestClaim_Cancel 测试取消的认领按孤儿进程处理
func TestClaim_Cancel(t *testing.T) {
	r, src := newTestReaper(t, ModeAlways)
	_, cancel := r.Claim(11)
	cancel()

	src.exit(11, 0)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.recent) == 1 && r.recent[0].Pid == 11
	}, time.Second, 5*time.Millisecond)
}

// TestRecent_Bounded tests that unclaimed statuses are bounded
// TestRecent_Bounded 测试未认领状态的数量有上限
func TestRecent_Bounded(t *testing.T) {
	r, _ := newTestReaper(t, ModeAlways)
	for pid := 1; pid <= recentLimit+10; pid++ {
		r.deliver(ProcessInfo{Pid: pid})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.recent, recentLimit)
	assert.Equal(t, 11, r.recent[0].Pid)
}

// TestStop tests teardown and a final reap
// TestStop 测试卸载及最后一次回收
func TestStop(t *testing.T) {
	src := newFakeSource()
	r := New(Options{Mode: ModeAlways, Source: src, Interval: time.Hour})
	r.Start(context.Background())

	ch, cancel := r.Claim(99)
	defer cancel()
	src.mu.Lock()
	src.queued = append(src.queued, ProcessInfo{Pid: 99})
	src.mu.Unlock()

	r.Stop()
	r.Stop()
	assert.True(t, src.torn)
	select {
	case <-ch:
	default:
		t.Fatal("final reap did not deliver the status")
	}
}

// TestStop_WithoutStart tests that stopping an unstarted reaper is a no-op
// TestStop_WithoutStart 测试停止未启动的回收器为空操作
func TestStop_WithoutStart(t *testing.T) {
	src := newFakeSource()
	r := New(Options{Source: src})
	r.Stop()
	r.Start(context.Background())
	assert.False(t, src.torn)
	assert.Empty(t, src.installed)
}

// TestOSSignalSource_ReapsChild tests reaping a real child through SIGCHLD
// TestOSSignalSource_ReapsChild 测试通过 SIGCHLD 回收真实子进程
func TestOSSignalSource_ReapsChild(t *testing.T) {
	r := New(Options{Mode: ModeAlways, Interval: 50 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	r.Start(context.Background())
	defer r.Stop()

	cmd := exec.Command("sh", "-c", "exit 5")
	require.NoError(t, cmd.Start())
	ch, cancel := r.Claim(cmd.Process.Pid)
	defer cancel()

	select {
	case ws := <-ch:
		assert.Equal(t, 5, ws.ExitStatus())
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}
}
