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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promCallCounter    *prometheus.CounterVec
	promMatchCounter   *prometheus.CounterVec
	promMatchQueueSize *prometheus.GaugeVec
)

func initCallStats(nodeID string) {
	promCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "call",
		Name:        "transitions",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"event"})
	promMatchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "match",
		Name:        "pairs",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"game_type"})
	promMatchQueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "match",
		Name:        "queue_size",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"game_type"})

	prometheus.MustRegister(promCallCounter)
	prometheus.MustRegister(promMatchCounter)
	prometheus.MustRegister(promMatchQueueSize)
}

// RecordCallTransition counts call state broadcasts such as accepted, ended or cancelled.
func RecordCallTransition(event string) {
	if initialized.Load() {
		promCallCounter.WithLabelValues(event).Add(1)
	}
}

func RecordMatch(gameType string) {
	if initialized.Load() {
		promMatchCounter.WithLabelValues(gameType).Add(1)
	}
}

func SetMatchQueueSize(gameType string, size int64) {
	if initialized.Load() {
		promMatchQueueSize.WithLabelValues(gameType).Set(float64(size))
	}
}
