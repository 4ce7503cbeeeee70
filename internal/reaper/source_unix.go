//go:build !windows
// +build !windows

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
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signals forwarded to the child that also end supervision
// 转发给子进程并结束监督的信号
var terminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
}

// Signals that are only forwarded
// 仅转发的信号
var forwardSignals = []os.Signal{
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGWINCH,
}

// OSSignalSource uses os/signal and wait4(2)
// OSSignalSource 使用 os/signal 和 wait4(2)
type OSSignalSource struct {
	mu sync.Mutex
	ch chan os.Signal
}

// NewOSSignalSource creates a signal source backed by the operating system
// NewOSSignalSource 创建基于操作系统的信号源
func NewOSSignalSource() *OSSignalSource {
	return &OSSignalSource{}
}

// Install implements SignalSource
func (s *OSSignalSource) Install(sigs ...os.Signal) <-chan os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan os.Signal, 32)
	}
	signal.Notify(s.ch, sigs...)
	return s.ch
}

// Reap implements SignalSource
func (s *OSSignalSource) Reap() []ProcessInfo {
	var reaped []ProcessInfo
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return reaped
		}
		reaped = append(reaped, ProcessInfo{Pid: pid, Status: syscall.WaitStatus(ws)})
	}
}

// Teardown implements SignalSource
func (s *OSSignalSource) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		signal.Stop(s.ch)
	}
}
