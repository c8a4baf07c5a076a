/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package dircd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricsFactory struct {
	factory promauto.Factory
}

func promAutoFactory(reg prometheus.Registerer) metricsFactory {
	return metricsFactory{factory: promauto.With(reg)}
}

func (f metricsFactory) connectionsTotal() prometheus.Counter {
	return f.factory.NewCounter(prometheus.CounterOpts{
		Namespace: "dircd",
		Name:      "connections_total",
		Help:      "Total number of accepted TCP connections.",
	})
}

func (f metricsFactory) clientsGauge() prometheus.Gauge {
	return f.factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "dircd",
		Name:      "clients",
		Help:      "Number of currently registered local clients.",
	})
}

func (f metricsFactory) channelsGauge() prometheus.Gauge {
	return f.factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "dircd",
		Name:      "channels",
		Help:      "Number of currently active local channels.",
	})
}

func (f metricsFactory) commandsTotal() *prometheus.CounterVec {
	return f.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dircd",
		Name:      "commands_total",
		Help:      "Total number of dispatched commands, by command name.",
	}, []string{"command"})
}
