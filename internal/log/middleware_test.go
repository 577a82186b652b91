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
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogCallRequestIncludesMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	LogCallRequest(logger, &CallRequest{
		Method:        "CreateRun",
		CorrelationID: "corr-1",
		RequestID:     "req-1",
		Metadata:      map[string]any{"workspace": "/ws"},
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry["method"] != "CreateRun" {
		t.Errorf("expected method 'CreateRun', got: %v", entry["method"])
	}
	if entry["correlation_id"] != "corr-1" {
		t.Errorf("expected correlation_id 'corr-1', got: %v", entry["correlation_id"])
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("expected request_id 'req-1', got: %v", entry["request_id"])
	}
	if entry["workspace"] != "/ws" {
		t.Errorf("expected workspace '/ws', got: %v", entry["workspace"])
	}
}

func TestLogCallResponseSuccessVsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	LogCallResponse(logger, &CallRequest{Method: "CreateRun"}, &CallResponse{Success: true, DurationMs: 12})
	var ok map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &ok); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if ok["level"] != "INFO" {
		t.Errorf("expected level INFO on success, got: %v", ok["level"])
	}
	if ok["success"] != true {
		t.Errorf("expected success=true, got: %v", ok["success"])
	}

	buf.Reset()
	LogCallResponse(logger, &CallRequest{Method: "CreateRun"}, &CallResponse{Success: false, Error: "boom", DurationMs: 5})
	var failed map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &failed); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if failed["level"] != "ERROR" {
		t.Errorf("expected level ERROR on failure, got: %v", failed["level"])
	}
	if failed["error"] != "boom" {
		t.Errorf("expected error 'boom', got: %v", failed["error"])
	}
}

func TestCallMiddlewareHandlerLogsBothEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewCallMiddleware(logger)

	err := mw.Handler(&CallRequest{Method: "CreateRun"}, func() error { return nil })
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines (request + response), got %d: %v", len(lines), lines)
	}

	var reqEntry, respEntry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &reqEntry); err != nil {
		t.Fatalf("expected valid JSON request log: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &respEntry); err != nil {
		t.Fatalf("expected valid JSON response log: %v", err)
	}
	if reqEntry["event"] != "control_call" {
		t.Errorf("expected event 'control_call', got: %v", reqEntry["event"])
	}
	if respEntry["event"] != "control_call_complete" {
		t.Errorf("expected event 'control_call_complete', got: %v", respEntry["event"])
	}
	if respEntry["success"] != true {
		t.Errorf("expected success=true, got: %v", respEntry["success"])
	}
}

func TestCallMiddlewareHandlerPropagatesError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewCallMiddleware(logger)

	wantErr := errors.New("insert failed")
	err := mw.Handler(&CallRequest{Method: "CreateRun"}, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected handler error to propagate, got: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var respEntry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &respEntry); err != nil {
		t.Fatalf("expected valid JSON response log: %v", err)
	}
	if respEntry["success"] != false {
		t.Errorf("expected success=false, got: %v", respEntry["success"])
	}
	if respEntry["error"] != "insert failed" {
		t.Errorf("expected error 'insert failed', got: %v", respEntry["error"])
	}
}

func TestCallMiddlewareHandlerWithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	mw := NewCallMiddleware(logger)

	metadata, err := mw.HandlerWithMetadata(&CallRequest{Method: "ListRuns"}, func() (map[string]any, error) {
		return map[string]any{"count": 3}, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if metadata["count"] != 3 {
		t.Errorf("expected metadata count=3, got: %v", metadata["count"])
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var respEntry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &respEntry); err != nil {
		t.Fatalf("expected valid JSON response log: %v", err)
	}
	if respEntry["count"] != float64(3) {
		t.Errorf("expected count field 3 in response log, got: %v", respEntry["count"])
	}
}
