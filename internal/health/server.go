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

// Package health exposes the supervisor state to orchestrator probes.
// health 包向编排系统的探针暴露监督进程的状态。
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported besides the empty one
// ServiceName 是除空服务名外报告的 gRPC 健康服务名
const ServiceName = "health-check"

// DefaultStopTimeout bounds graceful shutdown of the endpoints
// DefaultStopTimeout 限定端点优雅关闭的时长
const DefaultStopTimeout = 5 * time.Second

// ErrServerAlreadyRunning indicates Start was called twice
// ErrServerAlreadyRunning 表示重复调用 Start
var ErrServerAlreadyRunning = errors.New("health server is already running")

// Status is a snapshot of the supervisor
// Status 是监督进程的状态快照
type Status struct {
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	RunID        string    `json:"run_id,omitempty"`
	Command      string    `json:"command,omitempty"`
	ChildPID     int       `json:"child_pid,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
}

// StatusFunc returns the current status
// StatusFunc 返回当前状态
type StatusFunc func() Status

// Options configures the endpoints; an empty address disables that endpoint
// Options 配置端点；地址为空表示禁用该端点
type Options struct {
	GRPCAddress string
	HTTPAddress string
	Logger      *zap.Logger
}

// Server serves the gRPC health service and the HTTP probe routes
// Server 提供 gRPC 健康服务和 HTTP 探针路由
type Server struct {
	opts   Options
	status StatusFunc
	logger *zap.Logger

	grpcServer *grpc.Server
	healthSrv  *grpchealth.Server
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewServer creates a new health Server
// NewServer 创建新的健康检查 Server
func NewServer(opts Options, status StatusFunc) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if status == nil {
		status = func() Status { return Status{State: "unknown"} }
	}

	s := &Server{
		opts:      opts,
		status:    status,
		logger:    logger.Named("health"),
		healthSrv: grpchealth.NewServer(),
	}
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.SetServing(false)
	return s
}

// Enabled reports whether any endpoint is configured
// Enabled 报告是否配置了任一端点
func (s *Server) Enabled() bool {
	return s.opts.GRPCAddress != "" || s.opts.HTTPAddress != ""
}

// SetServing updates the gRPC serving status
// SetServing 更新 gRPC 服务状态
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", st)
	s.healthSrv.SetServingStatus(ServiceName, st)
}

// Start listens on the configured addresses and serves in the background
// Start 监听配置的地址并在后台提供服务
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerAlreadyRunning
	}

	var grpcLis, httpLis net.Listener
	var err error
	if s.opts.GRPCAddress != "" {
		if grpcLis, err = listen(ctx, s.opts.GRPCAddress); err != nil {
			return err
		}
	}
	if s.opts.HTTPAddress != "" {
		if httpLis, err = listen(ctx, s.opts.HTTPAddress); err != nil {
			if grpcLis != nil {
				grpcLis.Close()
			}
			return err
		}
	}

	s.running = true
	if grpcLis != nil {
		s.serveGRPC(grpcLis)
	}
	if httpLis != nil {
		s.serveHTTP(httpLis)
	}
	return nil
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return lis, nil
}

// ServeGRPC serves the gRPC health service on lis
// ServeGRPC 在 lis 上提供 gRPC 健康服务
func (s *Server) ServeGRPC(lis net.Listener) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.serveGRPC(lis)
}

func (s *Server) serveGRPC(lis net.Listener) {
	s.logger.Info("gRPC health server starting", zap.String("address", lis.Addr().String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC health server error", zap.Error(err))
		}
	}()
}

func (s *Server) serveHTTP(lis net.Listener) {
	s.logger.Info("HTTP health server starting", zap.String("address", lis.Addr().String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP health server error", zap.Error(err))
		}
	}()
}

// Stop gracefully stops both endpoints and waits for them
// Stop 优雅地停止两个端点并等待其退出
func (s *Server) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return
	}

	s.logger.Info("Stopping health servers")
	// Ends open Watch streams so GracefulStop can return
	// 结束打开的 Watch 流，使 GracefulStop 能够返回
	s.healthSrv.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	timer := time.NewTimer(DefaultStopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		s.grpcServer.Stop()
		<-stopped
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP health server shutdown", zap.Error(err))
		s.httpServer.Close()
	}

	s.wg.Wait()
	s.logger.Info("Health servers stopped")
}
