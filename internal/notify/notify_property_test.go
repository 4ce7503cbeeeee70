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

package notify

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// Property: the readable image id is whatever follows the last ':' and never contains ':'.
// 属性：可读镜像 ID 为最后一个 ':' 之后的内容，且不包含 ':'。
func TestProperty_ReadableImageID(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.StringMatching(`[a-z0-9./-]{0,20}`), 1, 4).Draw(t, "parts")
		version := strings.Join(parts, ":")

		got := ReadableImageID(version)
		if got != parts[len(parts)-1] {
			t.Fatalf("ReadableImageID(%q) = %q, want %q", version, got, parts[len(parts)-1])
		}
		if strings.Contains(got, ":") {
			t.Fatalf("ReadableImageID(%q) = %q contains ':'", version, got)
		}
	})
}

// Property: truncated output stays within the limit and keeps the newest text.
// 属性：截断后的输出不超过限制并保留最新内容。
func TestProperty_TruncateTail(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		limit := rapid.IntRange(8, 200).Draw(t, "limit")

		got := truncateTail(s, limit)
		if len(s) <= limit {
			if got != s {
				t.Fatalf("short input changed: %q -> %q", s, got)
			}
			return
		}
		if len(got) > limit {
			t.Fatalf("len %d exceeds limit %d", len(got), limit)
		}
		if !strings.HasSuffix(s, strings.TrimPrefix(got, "…\n")) {
			t.Fatalf("%q is not a suffix of the input", got)
		}
	})
}
