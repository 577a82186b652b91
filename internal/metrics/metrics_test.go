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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/loopd/loopd/internal/model"
)

func TestMetricsRecordWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRunStart("ws1")
	m.RecordRunComplete("ws1", model.RunCompleted)
	m.RecordStepDuration(model.PhaseImplementation, 1.5)
	m.RecordWatchdogRewrite("RepeatedTask")
	m.RecordVerificationFailure()
	m.SetQueueDepth(3)
	m.SetInFlight("ws1", 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestMetricsSatisfiesCollectorInterface(t *testing.T) {
	var _ Collector = New(prometheus.NewRegistry())
}
