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
	"strings"
	"sync"
)

// LineBufferSize is the largest partial line kept before it is flushed as a line
// LineBufferSize 是部分行被强制输出前的最大缓冲长度
const LineBufferSize = 8192

// LineSplitter turns a byte stream into lines
// LineSplitter 将字节流切分为行
type LineSplitter struct {
	buf []byte
}

// NewLineSplitter creates a new LineSplitter
// NewLineSplitter 创建新的 LineSplitter
func NewLineSplitter() *LineSplitter {
	return &LineSplitter{buf: make([]byte, 0, LineBufferSize)}
}

// Append feeds data and returns the lines it completed, without "\n" or "\r\n".
// A partial line that would overflow the buffer is returned as a line on its own.
// Append 写入数据并返回完成的行（不含 "\n" 或 "\r\n"）。
func (s *LineSplitter) Append(data []byte) []string {
	var lines []string
	for len(data) > 0 {
		if len(s.buf)+len(data) > LineBufferSize {
			if len(s.buf) > 0 {
				lines = append(lines, decodeLine(s.buf))
				s.buf = s.buf[:0]
			}
			n := len(data)
			if n > LineBufferSize {
				n = LineBufferSize
			}
			lines = append(lines, s.push(data[:n])...)
			data = data[n:]
			continue
		}
		lines = append(lines, s.push(data)...)
		data = nil
	}
	return lines
}

func (s *LineSplitter) push(data []byte) []string {
	var lines []string
	s.buf = append(s.buf, data...)
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		end := idx
		if end > 0 && s.buf[end-1] == '\r' {
			end--
		}
		lines = append(lines, decodeLine(s.buf[:end]))
		s.buf = append(s.buf[:0], s.buf[idx+1:]...)
	}
	return lines
}

// Finish returns the trailing partial line, if any
// Finish 返回末尾未结束的行（如有）
func (s *LineSplitter) Finish() (string, bool) {
	if len(s.buf) == 0 {
		return "", false
	}
	line := decodeLine(s.buf)
	s.buf = s.buf[:0]
	return line, true
}

func decodeLine(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// Tail keeps the most recent lines of output, oldest first
// Tail 保存最近的输出行，按时间先后排列
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewTail creates a tail holding at most size lines
// NewTail 创建最多保存 size 行的 Tail
func NewTail(size int) *Tail {
	if size < 0 {
		size = 0
	}
	return &Tail{lines: make([]string, size)}
}

// Push records a line, evicting the oldest when full
// Push 记录一行，满时淘汰最旧的行
func (t *Tail) Push(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return
	}
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns a copy of the kept lines, oldest first
// Lines 返回保存行的副本，按时间先后排列
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

// Len returns the number of kept lines
// Len 返回保存的行数
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.lines)
	}
	return t.next
}

// String joins the kept lines, each terminated by a newline
// String 拼接保存的行，每行以换行符结尾
func (t *Tail) String() string {
	var sb strings.Builder
	for _, line := range t.Lines() {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
