/*
 *    Copyright [2020] Sergey Kudasov
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package kvload

import (
	"context"
	"fmt"
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/mackerelio/go-osstat/network"
	"github.com/rcrowley/go-metrics"
)

// GetCPU get user + system cpu used, blocks for one second
func (m *HostMetrics) GetCPU() (int64, error) {
	before, err := cpu.Get()
	if err != nil {
		return 0, err
	}
	time.Sleep(time.Second)
	after, err := cpu.Get()
	if err != nil {
		return 0, err
	}
	total := float64(after.Total - before.Total)
	if total == 0 {
		return 0, nil
	}
	// user + system
	return int64(100 - float64(after.Idle-before.Idle)/total*100), nil
}

func (m *HostMetrics) SelectNetworkInterface(stats []network.Stats) (*network.Stats, error) {
	for _, nd := range stats {
		if nd.Name == m.networkInterface {
			return &nd, nil
		}
	}
	return nil, fmt.Errorf("no interface found, interface %s doesn't exist", m.networkInterface)
}

// GetNetwork get rx/tx for particular interface, blocks for one second
func (m *HostMetrics) GetNetwork() (int64, int64, error) {
	before, err := network.Get()
	if err != nil {
		return 0, 0, err
	}
	beforeData, err := m.SelectNetworkInterface(before)
	if err != nil {
		return 0, 0, err
	}
	time.Sleep(time.Second)
	after, err := network.Get()
	if err != nil {
		return 0, 0, err
	}
	afterData, err := m.SelectNetworkInterface(after)
	if err != nil {
		return 0, 0, err
	}
	return int64(afterData.RxBytes - beforeData.RxBytes), int64(afterData.TxBytes - beforeData.TxBytes), nil
}

type HostMetrics struct {
	networkInterface string

	cpuUserSystemPercent metrics.Gauge

	memTotal     metrics.Gauge
	memFree      metrics.Gauge
	memUsed      metrics.Gauge
	memCached    metrics.Gauge
	memSwapTotal metrics.Gauge
	memSwapUsed  metrics.Gauge
	memSwapFree  metrics.Gauge

	rx metrics.Gauge
	tx metrics.Gauge
}

// NewHostOSMetrics registers host gauges prefixed with host name in the default go-metrics registry
func NewHostOSMetrics(hostPrefix string, networkInterface string) *HostMetrics {
	name := func(n string) string {
		if hostPrefix == "" {
			return n
		}
		return hostPrefix + "." + n
	}
	return &HostMetrics{
		networkInterface:     networkInterface,
		cpuUserSystemPercent: RegisterGauge(name("cpu_used")),
		memTotal:             RegisterGauge(name("mem_total")),
		memFree:              RegisterGauge(name("mem_free")),
		memUsed:              RegisterGauge(name("mem_used")),
		memCached:            RegisterGauge(name("mem_cached")),
		memSwapTotal:         RegisterGauge(name("mem_swap_total")),
		memSwapUsed:          RegisterGauge(name("mem_swap_used")),
		memSwapFree:          RegisterGauge(name("mem_swap_free")),
		rx:                   RegisterGauge(name(fmt.Sprintf("net_%s_rx", networkInterface))),
		tx:                   RegisterGauge(name(fmt.Sprintf("net_%s_tx", networkInterface))),
	}
}

func (m *HostMetrics) update() {
	if cpuUserSystem, err := m.GetCPU(); err != nil {
		log.Infof("[ OS Metrics ] failed to get cpu metrics: %s", err)
	} else {
		m.cpuUserSystemPercent.Update(cpuUserSystem)
	}
	if mem, err := memory.Get(); err != nil {
		log.Infof("[ OS Metrics ] failed to get memory metrics: %s", err)
	} else {
		m.memTotal.Update(int64(mem.Total))
		m.memFree.Update(int64(mem.Free))
		m.memUsed.Update(int64(mem.Used))
		m.memCached.Update(int64(mem.Cached))
		m.memSwapTotal.Update(int64(mem.SwapTotal))
		m.memSwapUsed.Update(int64(mem.SwapUsed))
		m.memSwapFree.Update(int64(mem.SwapFree))
	}
	if rx, tx, err := m.GetNetwork(); err != nil {
		log.Infof("[ OS Metrics ] failed to get network metrics: %s", err)
	} else {
		m.rx.Update(rx)
		m.tx.Update(tx)
	}
}

// Watch updates generator host metrics until ctx is done
func (m *HostMetrics) Watch(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.update()
			}
		}
	}()
}

// RegisterGauge registers gauge metric to graphite, an already registered gauge is reused
func RegisterGauge(name string) metrics.Gauge {
	return metrics.GetOrRegisterGauge(name, metrics.DefaultRegistry)
}
