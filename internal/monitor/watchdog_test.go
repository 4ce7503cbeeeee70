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

package monitor

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type streams struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
}

func newStreams() *streams {
	s := &streams{}
	s.outR, s.outW = io.Pipe()
	s.errR, s.errW = io.Pipe()
	return s
}

func (s *streams) close() {
	s.outW.Close()
	s.errW.Close()
}

// TestWatchdog_SilenceFiresOnce tests that a silent child produces exactly one event
// TestWatchdog_SilenceFiresOnce 测试静默的子进程只产生一个超时事件
func TestWatchdog_SilenceFiresOnce(t *testing.T) {
	s := newStreams()
	w := NewWatchdog(Options{Timeout: 100 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	w.Start(context.Background(), s.outR, s.errR)

	select {
	case ev := <-w.Timeouts():
		assert.GreaterOrEqual(t, ev.Silence, 100*time.Millisecond)
		assert.False(t, ev.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout event")
	}

	select {
	case ev := <-w.Timeouts():
		t.Fatalf("second event without rearm: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	w.Stop()
	s.close()
	require.True(t, w.Wait(time.Second))
}

// TestWatchdog_Rearm tests that rearming allows another event
// TestWatchdog_Rearm 测试重新布防后可以再次产生事件
func TestWatchdog_Rearm(t *testing.T) {
	s := newStreams()
	w := NewWatchdog(Options{Timeout: 50 * time.Millisecond})
	w.Start(context.Background(), s.outR, s.errR)
	defer func() {
		w.Stop()
		s.close()
		w.Wait(time.Second)
	}()

	<-w.Timeouts()
	w.Rearm()
	select {
	case <-w.Timeouts():
	case <-time.After(2 * time.Second):
		t.Fatal("no event after rearm")
	}
}

// TestWatchdog_StderrActivityKeepsAlive tests that output on stderr alone resets the clock
// TestWatchdog_StderrActivityKeepsAlive 测试仅 stderr 有输出也会重置计时
func TestWatchdog_StderrActivityKeepsAlive(t *testing.T) {
	s := newStreams()
	var errSink bytes.Buffer
	w := NewWatchdog(Options{
		Timeout:     250 * time.Millisecond,
		Passthrough: true,
		Stdout:      io.Discard,
		Stderr:      &errSink,
		OutputLines: 5,
		Logger:      zaptest.NewLogger(t),
	})
	w.Start(context.Background(), s.outR, s.errR)

	for i := 0; i < 15; i++ {
		_, err := s.errW.Write([]byte("tick\n"))
		require.NoError(t, err)
		select {
		case ev := <-w.Timeouts():
			t.Fatalf("timeout while stderr was active: %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	}

	w.Stop()
	s.close()
	require.True(t, w.Wait(time.Second))

	assert.Equal(t, 15, bytes.Count(errSink.Bytes(), []byte("tick\n")))
	assert.Equal(t, []string{"tick", "tick", "tick", "tick", "tick"}, w.Tail().Lines())
	assert.Less(t, w.Silence(), time.Second)
}

// TestWatchdog_GapsExceedTimeout tests that output gaps longer than the timeout fire
// TestWatchdog_GapsExceedTimeout 测试输出间隔超过超时会触发事件
func TestWatchdog_GapsExceedTimeout(t *testing.T) {
	s := newStreams()
	w := NewWatchdog(Options{Timeout: 250 * time.Millisecond})
	w.Start(context.Background(), s.outR, s.errR)
	defer func() {
		w.Stop()
		s.close()
		w.Wait(time.Second)
	}()

	go func() {
		_, _ = s.outW.Write([]byte("first\n"))
	}()

	select {
	case ev := <-w.Timeouts():
		assert.GreaterOrEqual(t, ev.Silence, 250*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout after the output stopped")
	}
}

// TestWatchdog_Disabled tests that a zero timeout never fires but still captures output
// TestWatchdog_Disabled 测试超时为 0 时不会触发，但仍捕获输出
func TestWatchdog_Disabled(t *testing.T) {
	s := newStreams()
	w := NewWatchdog(Options{Timeout: 0, OutputLines: 10})
	w.Start(context.Background(), s.outR, s.errR)

	go func() {
		_, _ = s.outW.Write([]byte("out line\npartial"))
		_, _ = s.errW.Write([]byte("err line\n"))
		s.close()
	}()

	require.True(t, w.Wait(2*time.Second))
	select {
	case ev := <-w.Timeouts():
		t.Fatalf("disabled watchdog fired: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	w.Stop()

	lines := w.Tail().Lines()
	assert.ElementsMatch(t, []string{"out line", "partial", "err line"}, lines)
}

// TestWatchdog_StopBeforeStart tests that stop and wait are safe without start
// TestWatchdog_StopBeforeStart 测试未启动时调用 Stop 和 Wait 是安全的
func TestWatchdog_StopBeforeStart(t *testing.T) {
	w := NewWatchdog(Options{Timeout: time.Second})
	w.Stop()
	assert.True(t, w.Wait(10*time.Millisecond))
}

// TestWatchdog_ContextCancel tests that cancelling the start context stops the checker
// TestWatchdog_ContextCancel 测试取消启动上下文会停止检查器
func TestWatchdog_ContextCancel(t *testing.T) {
	s := newStreams()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatchdog(Options{Timeout: 50 * time.Millisecond})
	w.Start(ctx, s.outR, s.errR)
	cancel()
	w.Stop()

	select {
	case ev := <-w.Timeouts():
		t.Fatalf("event after cancel: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
	s.close()
	assert.True(t, w.Wait(time.Second))
}
