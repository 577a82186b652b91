// Copyright 2025 The Loopd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"log/slog"
	"time"
)

// CallRequest describes an inbound control API call for logging purposes.
type CallRequest struct {
	// Method is the control operation invoked (e.g. "CreateRun", "CancelRun").
	Method string

	// CorrelationID is the correlation ID for tracing the call across a run.
	CorrelationID string

	// RequestID is the unique ID for this specific call.
	RequestID string

	// Metadata contains additional request metadata (e.g. run_id, workspace).
	Metadata map[string]any
}

// CallResponse describes the outcome of a control API call for logging
// purposes.
type CallResponse struct {
	Success    bool
	Error      string
	DurationMs int64
	Metadata   map[string]any
}

// LogCallRequest logs an incoming control API call.
func LogCallRequest(logger *slog.Logger, req *CallRequest) {
	attrs := []any{
		"event", "control_call",
		"method", req.Method,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}
	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}
	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("control call received", attrs...)
}

// LogCallResponse logs the outcome of a control API call.
func LogCallResponse(logger *slog.Logger, req *CallRequest, resp *CallResponse) {
	attrs := []any{
		"event", "control_call_complete",
		"method", req.Method,
		"success", resp.Success,
		"duration_ms", resp.DurationMs,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}
	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}
	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}
	for k, v := range resp.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "control call completed"
	if !resp.Success {
		level = slog.LevelError
		message = "control call failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// CallMiddleware wraps a control API method with request/response logging.
type CallMiddleware struct {
	logger *slog.Logger
}

// NewCallMiddleware creates a new control API logging middleware.
func NewCallMiddleware(logger *slog.Logger) *CallMiddleware {
	return &CallMiddleware{logger: logger}
}

// Handler wraps a function implementing a control API method, logging its
// request and outcome automatically.
func (m *CallMiddleware) Handler(req *CallRequest, handler func() error) error {
	start := time.Now()

	LogCallRequest(m.logger, req)

	err := handler()
	duration := time.Since(start).Milliseconds()

	resp := &CallResponse{
		Success:    err == nil,
		DurationMs: duration,
	}
	if err != nil {
		resp.Error = err.Error()
	}

	LogCallResponse(m.logger, req, resp)
	return err
}

// HandlerWithMetadata wraps a control API method that returns metadata
// alongside its error.
func (m *CallMiddleware) HandlerWithMetadata(req *CallRequest, handler func() (map[string]any, error)) (map[string]any, error) {
	start := time.Now()

	LogCallRequest(m.logger, req)

	metadata, err := handler()
	duration := time.Since(start).Milliseconds()

	resp := &CallResponse{
		Success:    err == nil,
		DurationMs: duration,
		Metadata:   metadata,
	}
	if err != nil {
		resp.Error = err.Error()
	}

	LogCallResponse(m.logger, req, resp)
	return metadata, err
}
