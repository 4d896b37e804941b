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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	workerCurrent     atomic.Int32
	routerCurrent     atomic.Int32
	transportCurrent  atomic.Int32
	producerCurrent   atomic.Int32
	consumerCurrent   atomic.Int32
	connectionCurrent atomic.Int32

	promWorkerCurrent     prometheus.Gauge
	promWorkerRestarts    prometheus.Counter
	promRouterCurrent     prometheus.Gauge
	promRouterDuration    prometheus.Histogram
	promTransportCurrent  *prometheus.GaugeVec
	promProducerCurrent   *prometheus.GaugeVec
	promConsumerCurrent   *prometheus.GaugeVec
	promConnectionCurrent prometheus.Gauge
)

func initMediaStats(nodeID string) {
	promWorkerCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "worker",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promWorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "worker",
		Name:        "restarts",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRouterCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "router",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRouterDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "router",
		Name:        "duration_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 5 * 60 * 60,
		},
	})
	promTransportCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "transport",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"direction"})
	promProducerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "producer",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"track_type"})
	promConsumerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "consumer",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"track_type"})
	promConnectionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   callSFUNamespace,
		Subsystem:   "signal",
		Name:        "connections",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promWorkerCurrent)
	prometheus.MustRegister(promWorkerRestarts)
	prometheus.MustRegister(promRouterCurrent)
	prometheus.MustRegister(promRouterDuration)
	prometheus.MustRegister(promTransportCurrent)
	prometheus.MustRegister(promProducerCurrent)
	prometheus.MustRegister(promConsumerCurrent)
	prometheus.MustRegister(promConnectionCurrent)
}

func WorkerStarted() {
	workerCurrent.Inc()
	if initialized.Load() {
		promWorkerCurrent.Add(1)
	}
}

func WorkerStopped(restarted bool) {
	workerCurrent.Dec()
	if initialized.Load() {
		promWorkerCurrent.Sub(1)
		if restarted {
			promWorkerRestarts.Add(1)
		}
	}
}

func RouterCreated() {
	routerCurrent.Inc()
	if initialized.Load() {
		promRouterCurrent.Add(1)
	}
}

func RouterClosed(createdAt time.Time) {
	routerCurrent.Dec()
	if !initialized.Load() {
		return
	}
	promRouterCurrent.Sub(1)
	if !createdAt.IsZero() {
		promRouterDuration.Observe(time.Since(createdAt).Seconds())
	}
}

func AddTransport(direction string) {
	transportCurrent.Inc()
	if initialized.Load() {
		promTransportCurrent.WithLabelValues(direction).Add(1)
	}
}

func SubTransport(direction string) {
	transportCurrent.Dec()
	if initialized.Load() {
		promTransportCurrent.WithLabelValues(direction).Sub(1)
	}
}

func AddProducer(trackType string) {
	producerCurrent.Inc()
	if initialized.Load() {
		promProducerCurrent.WithLabelValues(trackType).Add(1)
	}
}

func SubProducer(trackType string) {
	producerCurrent.Dec()
	if initialized.Load() {
		promProducerCurrent.WithLabelValues(trackType).Sub(1)
	}
}

func AddConsumer(trackType string) {
	consumerCurrent.Inc()
	if initialized.Load() {
		promConsumerCurrent.WithLabelValues(trackType).Add(1)
	}
}

func SubConsumer(trackType string) {
	consumerCurrent.Dec()
	if initialized.Load() {
		promConsumerCurrent.WithLabelValues(trackType).Sub(1)
	}
}

func AddConnection() {
	connectionCurrent.Inc()
	if initialized.Load() {
		promConnectionCurrent.Add(1)
	}
}

func SubConnection() {
	connectionCurrent.Dec()
	if initialized.Load() {
		promConnectionCurrent.Sub(1)
	}
}
