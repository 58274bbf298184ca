package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	restartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_restart_total",
			Help: "Total number of times the watchdog restarted the supervised process.",
		},
		[]string{"reason"},
	)
	timeoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_heartbeat_timeout_total",
			Help: "Total number of heartbeat waits that ended without a valid datagram.",
		},
	)
	heartbeatCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_heartbeat_received_total",
			Help: "Total number of heartbeats received.",
		},
	)
	rebootCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_reboot_total",
			Help: "Total number of host reboots issued.",
		},
	)
	spawnErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_spawn_error_total",
			Help: "Total number of failed process launches.",
		},
	)
	listenFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_listen_failure_total",
			Help: "Total number of heartbeat sessions that could not bind their port.",
		},
	)
	failureGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_consecutive_failures",
			Help: "Consecutive heartbeat timeouts since the last heartbeat.",
		},
	)
	monitoringGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_monitoring",
			Help: "1 while a heartbeat listener is watching the supervised process.",
		},
	)
	uptimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_uptime_seconds",
			Help: "Watchdog uptime in seconds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		restartCounter,
		timeoutCounter,
		heartbeatCounter,
		rebootCounter,
		spawnErrorCounter,
		listenFailureCounter,
		failureGauge,
		monitoringGauge,
		uptimeGauge,
	)
}
