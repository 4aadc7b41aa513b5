package airos

import (
	"time"

	"go-wisp/internal/models"
)

// Status is the subset of status.cgi the monitor consumes
type Status struct {
	Host       HostInfo    `json:"host"`
	Wireless   Wireless    `json:"wireless"`
	Interfaces []Interface `json:"interfaces"`
}

type HostInfo struct {
	Hostname  string  `json:"hostname"`
	DevModel  string  `json:"devmodel"`
	FWVersion string  `json:"fwversion"`
	Uptime    float64 `json:"uptime"`
	CPULoad   float64 `json:"cpuload"`
	FreeRAM   float64 `json:"freeram"`
	TotalRAM  float64 `json:"totalram"`
}

type Wireless struct {
	ESSID      string  `json:"essid"`
	Count      float64 `json:"count"`
	NoiseFloor float64 `json:"noisef"`
	Frequency  float64 `json:"frequency"`
	ChanBW     float64 `json:"chanbw"`
	Throughput struct {
		TX float64 `json:"tx"`
		RX float64 `json:"rx"`
	} `json:"throughput"`
	Polling struct {
		Use   float64 `json:"use"`
		TXUse float64 `json:"tx_use"`
		RXUse float64 `json:"rx_use"`
	} `json:"polling"`
	Stations []Station `json:"sta"`
}

type Station struct {
	MAC        string  `json:"mac"`
	LastIP     string  `json:"lastip"`
	Signal     float64 `json:"signal"`
	NoiseFloor float64 `json:"noisefloor"`
	Distance   float64 `json:"distance"`
	Remote     struct {
		Hostname string  `json:"hostname"`
		TXPower  float64 `json:"tx_power"`
		Uptime   int64   `json:"uptime"`
	} `json:"remote"`
	Stats struct {
		RXBytes int64 `json:"rx_bytes"`
		TXBytes int64 `json:"tx_bytes"`
	} `json:"stats"`
}

type Interface struct {
	IfName string `json:"ifname"`
	HWAddr string `json:"hwaddr"`
	Status struct {
		TXBytes float64 `json:"tx_bytes"`
		RXBytes float64 `json:"rx_bytes"`
	} `json:"status"`
}

// radio returns the wireless interface entry; AirOS lists it second
func (s *Status) radio() *Interface {
	for i := range s.Interfaces {
		if s.Interfaces[i].IfName == "ath0" {
			return &s.Interfaces[i]
		}
	}
	if len(s.Interfaces) > 1 {
		return &s.Interfaces[1]
	}
	return nil
}

// Snapshot converts the document into a StatusSnapshot for host
func (s *Status) Snapshot(host string, at time.Time) *models.StatusSnapshot {
	w := s.Wireless
	snap := &models.StatusSnapshot{
		DeviceHost: host,
		Kind:       models.KindAP,
		Timestamp:  at,
		Online:     true,
		Metrics: map[string]float64{
			models.MetricUptime:            s.Host.Uptime,
			models.MetricCPULoad:           s.Host.CPULoad,
			models.MetricFreeMemory:        s.Host.FreeRAM,
			models.MetricTotalMemory:       s.Host.TotalRAM,
			models.MetricOnlineClientCount: w.Count,
			models.MetricNoiseFloor:        w.NoiseFloor,
			models.MetricFrequency:         w.Frequency,
			models.MetricChannelWidth:      w.ChanBW,
			models.MetricThroughputTx:      w.Throughput.TX,
			models.MetricThroughputRx:      w.Throughput.RX,
			models.MetricAirtimeUsage:      w.Polling.Use,
			models.MetricAirtimeTx:         w.Polling.TXUse,
			models.MetricAirtimeRx:         w.Polling.RXUse,
		},
		Metadata: map[string]string{
			models.MetaHostname: s.Host.Hostname,
			models.MetaModel:    s.Host.DevModel,
			models.MetaFirmware: s.Host.FWVersion,
			models.MetaESSID:    w.ESSID,
		},
		ConnectedClients: make([]models.ClientStationInfo, 0, len(w.Stations)),
	}

	if radio := s.radio(); radio != nil {
		snap.Metadata[models.MetaMAC] = radio.HWAddr
		snap.Metrics[models.MetricTxBytes] = radio.Status.TXBytes
		snap.Metrics[models.MetricRxBytes] = radio.Status.RXBytes
	}

	if w.Count == 0 && len(w.Stations) > 0 {
		snap.Metrics[models.MetricOnlineClientCount] = float64(len(w.Stations))
	}

	for _, sta := range w.Stations {
		snap.ConnectedClients = append(snap.ConnectedClients, models.ClientStationInfo{
			MAC:            sta.MAC,
			Hostname:       sta.Remote.Hostname,
			IPAddress:      sta.LastIP,
			Signal:         sta.Signal,
			NoiseFloor:     sta.NoiseFloor,
			DistanceMeters: sta.Distance,
			TxPower:        sta.Remote.TXPower,
			RxBytes:        sta.Stats.RXBytes,
			TxBytes:        sta.Stats.TXBytes,
			UptimeSeconds:  sta.Remote.Uptime,
		})
	}

	return snap
}
