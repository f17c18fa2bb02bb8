package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_pushes_total",
		Help: "Pushed changes, by result (ok, rejected, failed).",
	}, []string{"result"})

	pullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_pulls_total",
		Help: "Pull requests, by result (ok, exhausted, corrupted, failed).",
	}, []string{"result"})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_sessions_total",
		Help: "Sync sessions, by outcome (opened, refused, terminated).",
	}, []string{"outcome"})
)
