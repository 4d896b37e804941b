// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"time"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	callSFUNamespace string = "callsfu"
)

var (
	initialized atomic.Bool

	MessageCounter *prometheus.CounterVec
	LockCounter    *prometheus.CounterVec

	promCPULoad    prometheus.Gauge
	promMemoryLoad prometheus.Gauge
)

// NodeStats is the load report of this process, served on the health endpoint.
type NodeStats struct {
	StartedAt       int64   `json:"startedAt"`
	UpdatedAt       int64   `json:"updatedAt"`
	NumWorkers      int32   `json:"numWorkers"`
	NumRouters      int32   `json:"numRouters"`
	NumTransports   int32   `json:"numTransports"`
	NumProducers    int32   `json:"numProducers"`
	NumConsumers    int32   `json:"numConsumers"`
	NumConnections  int32   `json:"numConnections"`
	NumCPUs         uint32  `json:"numCpus"`
	CPULoad         float32 `json:"cpuLoad"`
	MemoryLoad      float32 `json:"memoryLoad"`
	LoadAvgLast1Min float32 `json:"loadAvgLast1Min"`
}

func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   callSFUNamespace,
			Subsystem:   "node",
			Name:        "messages",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status"},
	)

	LockCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   callSFUNamespace,
			Subsystem:   "node",
			Name:        "lock_attempts",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "Distributed lock acquisitions by outcome.",
		},
		[]string{"status"},
	)

	promCPULoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   callSFUNamespace,
			Subsystem:   "node",
			Name:        "cpu_load",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
	)

	promMemoryLoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   callSFUNamespace,
			Subsystem:   "node",
			Name:        "memory_load",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
	)

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(LockCounter)
	prometheus.MustRegister(promCPULoad)
	prometheus.MustRegister(promMemoryLoad)

	initMediaStats(nodeID)
	initCallStats(nodeID)
}

// RecordMessage counts a signal message by event and outcome.
func RecordMessage(event string, status string) {
	if !initialized.Load() {
		return
	}
	MessageCounter.WithLabelValues(event, status).Add(1)
}

func RecordLockAttempt(acquired bool) {
	if !initialized.Load() {
		return
	}
	status := "success"
	if !acquired {
		status = "failure"
	}
	LockCounter.WithLabelValues(status).Add(1)
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

func GetNodeStats(startedAt int64) (*NodeStats, error) {
	loadAvg, err := getLoadAvg()
	if err != nil {
		return nil, err
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return nil, err
	}

	// memory stats are unavailable on some platforms, report what we have
	memoryLoad, _ := getMemoryStats()

	if initialized.Load() {
		promCPULoad.Set(float64(cpuLoad))
		promMemoryLoad.Set(float64(memoryLoad))
	}

	return &NodeStats{
		StartedAt:       startedAt,
		UpdatedAt:       time.Now().Unix(),
		NumWorkers:      workerCurrent.Load(),
		NumRouters:      routerCurrent.Load(),
		NumTransports:   transportCurrent.Load(),
		NumProducers:    producerCurrent.Load(),
		NumConsumers:    consumerCurrent.Load(),
		NumConnections:  connectionCurrent.Load(),
		NumCPUs:         numCPUs,
		CPULoad:         cpuLoad,
		MemoryLoad:      memoryLoad,
		LoadAvgLast1Min: float32(loadAvg.Loadavg1),
	}, nil
}
