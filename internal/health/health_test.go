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

package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// fakeState is a switchable status source
// fakeState 是可切换的状态源
type fakeState struct {
	running atomic.Bool
}

func (f *fakeState) status() Status {
	if f.running.Load() {
		return Status{State: "running", Running: true, ChildPID: 1234, RunID: "run-1"}
	}
	return Status{State: "starting"}
}

// dial creates a client connection to the in-memory listener.
// dial 创建到内存监听器的客户端连接。
func dial(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestGRPCHealth tests serving status transitions
// TestGRPCHealth 测试服务状态切换
func TestGRPCHealth(t *testing.T) {
	s := NewServer(Options{Logger: zaptest.NewLogger(t)}, nil)
	lis := bufconn.Listen(bufSize)
	s.ServeGRPC(lis)
	defer s.Stop()

	client := healthpb.NewHealthClient(dial(t, lis))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	s.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	s.SetServing(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

// TestGRPCHealth_StopWithWatch tests that stop returns with an open watch stream
// TestGRPCHealth_StopWithWatch 测试存在 Watch 流时仍能停止
func TestGRPCHealth_StopWithWatch(t *testing.T) {
	s := NewServer(Options{}, nil)
	lis := bufconn.Listen(bufSize)
	s.ServeGRPC(lis)

	client := healthpb.NewHealthClient(dial(t, lis))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * DefaultStopTimeout):
		t.Fatal("stop did not return")
	}
}

// TestHTTPRoutes tests the probe routes
// TestHTTPRoutes 测试探针路由
func TestHTTPRoutes(t *testing.T) {
	state := &fakeState{}
	s := NewServer(Options{}, state.status)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(path string) (*http.Response, map[string]interface{}) {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, body := get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "starting", body["state"])

	state.running.Store(true)
	resp, _ = get("/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = get("/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(1234), body["child_pid"])
	assert.Equal(t, "run-1", body["run_id"])

	postResp, err := srv.Client().Post(srv.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	postResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, postResp.StatusCode)
}

// TestStart_ListensAndStops tests real listeners on ephemeral ports
// TestStart_ListensAndStops 测试在临时端口上真实监听
func TestStart_ListensAndStops(t *testing.T) {
	s := NewServer(Options{GRPCAddress: "127.0.0.1:0", HTTPAddress: "127.0.0.1:0"}, nil)
	assert.True(t, s.Enabled())
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrServerAlreadyRunning)
	s.Stop()
	s.Stop()
}

// TestStart_BadAddress tests listen failures
// TestStart_BadAddress 测试监听失败
func TestStart_BadAddress(t *testing.T) {
	s := NewServer(Options{HTTPAddress: "256.0.0.1:bad"}, nil)
	require.Error(t, s.Start(context.Background()))
	assert.False(t, NewServer(Options{}, nil).Enabled())
}
