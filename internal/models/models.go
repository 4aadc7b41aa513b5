package models

import (
	"time"
)

// DeviceKind selects which adapter family talks to a device
type DeviceKind string

const (
	KindAP     DeviceKind = "ap"
	KindRouter DeviceKind = "router"
)

// DeviceKinds lists every device family in polling order
var DeviceKinds = []DeviceKind{KindAP, KindRouter}

// Valid reports whether k is a known device family
func (k DeviceKind) Valid() bool {
	return k == KindAP || k == KindRouter
}

// DeviceStatus represents the online/offline status
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusUnknown DeviceStatus = "unknown"
)

// Credentials holds the login used against a device management API
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
	Port     int    `json:"port"`
}

// Device is a managed AP or router, keyed by host
type Device struct {
	Host                string       `json:"host"`
	Kind                DeviceKind   `json:"kind"`
	Name                string       `json:"name"`
	Credentials         Credentials  `json:"credentials"`
	Enabled             bool         `json:"enabled"`
	PollIntervalSeconds int          `json:"pollIntervalSeconds"`
	LastStatus          DeviceStatus `json:"lastStatus"`
	LastCheckedAt       *time.Time   `json:"lastCheckedAt"`
	LastSeenAt          *time.Time   `json:"lastSeenAt"`
	// Metadata refreshed on every successful poll
	Hostname  string    `json:"hostname,omitempty"`
	Model     string    `json:"model,omitempty"`
	Firmware  string    `json:"firmware,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClientStationInfo describes one station or session seen on a device
type ClientStationInfo struct {
	MAC            string  `json:"mac"`
	Hostname       string  `json:"hostname,omitempty"`
	IPAddress      string  `json:"ipAddress,omitempty"`
	Signal         float64 `json:"signal,omitempty"`
	NoiseFloor     float64 `json:"noiseFloor,omitempty"`
	DistanceMeters float64 `json:"distanceMeters,omitempty"`
	TxPower        float64 `json:"txPower,omitempty"`
	RxBytes        int64   `json:"rxBytes,omitempty"`
	TxBytes        int64   `json:"txBytes,omitempty"`
	UptimeSeconds  int64   `json:"uptimeSeconds,omitempty"`
}

// StatusSnapshot is the result of one successful poll. It is not modified
// after the adapter returns it.
type StatusSnapshot struct {
	DeviceHost       string              `json:"deviceHost"`
	Kind             DeviceKind          `json:"kind"`
	Timestamp        time.Time           `json:"timestamp"`
	Online           bool                `json:"online"`
	Metrics          map[string]float64  `json:"metrics"`
	Metadata         map[string]string   `json:"metadata"`
	ConnectedClients []ClientStationInfo `json:"connectedClients"`
}

// Metric keys shared by adapters and the time-series store
const (
	MetricUptime            = "uptime"
	MetricCPULoad           = "cpu_load"
	MetricFreeMemory        = "free_memory"
	MetricTotalMemory       = "total_memory"
	MetricOnlineClientCount = "online_client_count"
	MetricNoiseFloor        = "noise_floor"
	MetricFrequency         = "frequency"
	MetricChannelWidth      = "channel_width"
	MetricThroughputTx      = "throughput_tx"
	MetricThroughputRx      = "throughput_rx"
	MetricAirtimeUsage      = "airtime_usage"
	MetricAirtimeTx         = "airtime_tx"
	MetricAirtimeRx         = "airtime_rx"
	MetricTxBytes           = "tx_bytes"
	MetricRxBytes           = "rx_bytes"
)

// Metadata keys written back to the device registry
const (
	MetaHostname = "hostname"
	MetaModel    = "model"
	MetaFirmware = "firmware"
	MetaMAC      = "mac"
	MetaESSID    = "essid"
)

// DeviceLog records a status transition
type DeviceLog struct {
	ID        int64        `json:"id"`
	Host      string       `json:"host"`
	Status    DeviceStatus `json:"status"`
	ChangedAt time.Time    `json:"changedAt"`
}

// CycleStats summarizes one fleet polling cycle
type CycleStats struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Polled    int           `json:"polled"`
	Online    int           `json:"online"`
	Offline   int           `json:"offline"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
}

// FleetStatus is the read-only view served to operators
type FleetStatus struct {
	Devices   []*Device   `json:"devices"`
	Online    int         `json:"online"`
	Offline   int         `json:"offline"`
	Unknown   int         `json:"unknown"`
	LastCycle *CycleStats `json:"lastCycle,omitempty"`
}
