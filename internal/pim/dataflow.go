package pim

import (
	"time"

	"github.com/openmcast/pimsm/internal/eventloop"
	"github.com/openmcast/pimsm/internal/kernel"
)

// Dataflow monitors are per-(S,G) threshold checkers attached to an MFC.
// The implementation is a sliding-window approximation: the kernel counter
// is sampled every threshold_interval/K seconds into a ring of K deltas,
// and the threshold decision runs on the running sum.
const dataflowBuckets = 4

// MonitorOp selects the comparison a monitor applies.
type MonitorOp uint8

const (
	// MonitorGE fires when the measured amount reaches the threshold.
	MonitorGE MonitorOp = iota
	// MonitorLE fires when the measured amount stays at or below it.
	MonitorLE
)

// DataflowSignal describes one monitor firing.
type DataflowSignal struct {
	Source            string
	Group             string
	ThresholdInterval time.Duration
	MeasuredInterval  time.Duration
	ThresholdPackets  uint64
	ThresholdBytes    uint64
	MeasuredPackets   uint64
	MeasuredBytes     uint64
	Op                MonitorOp
	PacketsValid      bool
	BytesValid        bool
}

type dataflowDelta struct {
	packets uint64
	bytes   uint64
}

type dataflowMonitor struct {
	mfc *MFC

	interval         time.Duration
	thresholdPackets uint64
	thresholdBytes   uint64
	packetsValid     bool
	bytesValid       bool
	op               MonitorOp

	ring    [dataflowBuckets]dataflowDelta
	next    int
	samples int

	last     kernel.SGCount
	haveLast bool

	timer *eventloop.Timer
	fire  func(*dataflowMonitor, DataflowSignal)
}

func newDataflowMonitor(f *MFC, interval time.Duration, thresholdPackets, thresholdBytes uint64,
	packetsValid, bytesValid bool, op MonitorOp,
	fire func(*dataflowMonitor, DataflowSignal)) *dataflowMonitor {

	m := &dataflowMonitor{
		mfc:              f,
		interval:         interval,
		thresholdPackets: thresholdPackets,
		thresholdBytes:   thresholdBytes,
		packetsValid:     packetsValid,
		bytesValid:       bytesValid,
		op:               op,
		fire:             fire,
	}
	m.timer = f.node.loop.NewTimer(m.sample)
	m.timer.Schedule(m.sampleInterval())
	return m
}

func (m *dataflowMonitor) sampleInterval() time.Duration {
	return m.interval / dataflowBuckets
}

func (m *dataflowMonitor) stop() {
	m.timer.Stop()
}

// sample reads the kernel counter, stores one delta, and evaluates the
// threshold. The callback reschedules the timer itself.
func (m *dataflowMonitor) sample() {
	m.timer.Schedule(m.sampleInterval())

	count, err := m.mfc.node.fwd.SGCount(m.mfc.Source, m.mfc.Group)
	if err != nil {
		return
	}
	if !m.haveLast {
		m.last = count
		m.haveLast = true
		return
	}
	if count.Packets < m.last.Packets || count.Bytes < m.last.Bytes {
		// Counter wrap: drop this sample.
		m.last = count
		return
	}
	delta := dataflowDelta{
		packets: count.Packets - m.last.Packets,
		bytes:   count.Bytes - m.last.Bytes,
	}
	m.last = count

	m.ring[m.next] = delta
	m.next = (m.next + 1) % dataflowBuckets
	if m.samples < dataflowBuckets {
		m.samples++
	}

	m.evaluate()
}

func (m *dataflowMonitor) evaluate() {
	var sumPackets, sumBytes uint64
	for _, d := range m.ring {
		sumPackets += d.packets
		sumBytes += d.bytes
	}

	crossed := false
	switch m.op {
	case MonitorGE:
		if m.packetsValid && sumPackets >= m.thresholdPackets {
			crossed = true
		}
		if m.bytesValid && sumBytes >= m.thresholdBytes {
			crossed = true
		}
	case MonitorLE:
		// Until the ring is warm a low running sum is an artifact of the
		// bootstrap, not idleness.
		if m.samples < dataflowBuckets {
			return
		}
		if m.packetsValid && sumPackets <= m.thresholdPackets {
			crossed = true
		}
		if m.bytesValid && sumBytes <= m.thresholdBytes {
			crossed = true
		}
	}
	if !crossed {
		return
	}

	measured := time.Duration(m.samples) * m.sampleInterval()
	m.fire(m, DataflowSignal{
		Source:            m.mfc.Source.String(),
		Group:             m.mfc.Group.String(),
		ThresholdInterval: m.interval,
		MeasuredInterval:  measured,
		ThresholdPackets:  m.thresholdPackets,
		ThresholdBytes:    m.thresholdBytes,
		MeasuredPackets:   sumPackets,
		MeasuredBytes:     sumBytes,
		Op:                m.op,
		PacketsValid:      m.packetsValid,
		BytesValid:        m.bytesValid,
	})
}

// refreshMonitors attaches or detaches the idle and SPT-switch monitors an
// entry should carry.
func (node *Node) refreshMonitors(f *MFC) {
	sg := node.mres.Get(KindSG, f.Source, f.Group)

	// Idle monitor: <= 0 packets over the keepalive period drives the SG
	// keepalive expiry.
	if sg != nil && f.installed {
		if f.idleMonitor == nil {
			f.idleMonitor = newDataflowMonitor(f, sg.keepalivePeriod(),
				0, 0, true, false, MonitorLE, node.idleMonitorFired)
		}
	} else if f.idleMonitor != nil {
		f.idleMonitor.stop()
		f.idleMonitor = nil
	}

	node.refreshSPTSwitchMonitor(sg)
}

// refreshSPTSwitchMonitor attaches the >= monitor that drives the switch
// to the source tree while the entry still forwards off the shared tree.
func (node *Node) refreshSPTSwitchMonitor(sg *MRE) {
	if sg == nil || sg.kind != KindSG {
		return
	}
	f := node.mfcs[sgKey{sg.Source, sg.Group}]
	if f == nil {
		return
	}

	want := node.cfg.SPTSwitch.Enabled &&
		f.installed &&
		!sg.sptBit &&
		!sg.wasSPTSwitchDesired &&
		!sg.directlyConnectedS &&
		!sg.inheritedOlistSG().IsEmpty()

	if want && f.sptMonitor == nil {
		f.sptMonitor = newDataflowMonitor(f, node.cfg.SPTSwitch.Interval,
			0, node.cfg.SPTSwitch.ThresholdBytes, false, true, MonitorGE,
			node.sptMonitorFired)
	} else if !want && f.sptMonitor != nil {
		f.sptMonitor.stop()
		f.sptMonitor = nil
	}
}

func (f *MFC) stopMonitors() {
	if f.idleMonitor != nil {
		f.idleMonitor.stop()
		f.idleMonitor = nil
	}
	if f.sptMonitor != nil {
		f.sptMonitor.stop()
		f.sptMonitor = nil
	}
}

// idleMonitorFired routes the idle signal: the SG keepalive expires, which
// tears the entry down.
func (node *Node) idleMonitorFired(m *dataflowMonitor, sig DataflowSignal) {
	node.log.Debug("dataflow idle", "source", sig.Source, "group", sig.Group,
		"packets", sig.MeasuredPackets)
	m.stop()
	sg := node.mres.Get(KindSG, m.mfc.Source, m.mfc.Group)
	if sg == nil {
		node.deleteMFC(m.mfc.Source, m.mfc.Group)
		return
	}
	sg.keepaliveTimer.Stop()
	sg.keepaliveExpired()
}

// sptMonitorFired routes the SPT-switch signal into the SG machine.
func (node *Node) sptMonitorFired(m *dataflowMonitor, sig DataflowSignal) {
	node.log.Debug("dataflow spt-switch", "source", sig.Source, "group", sig.Group,
		"bytes", sig.MeasuredBytes)
	sg := node.mres.Get(KindSG, m.mfc.Source, m.mfc.Group)
	if sg == nil {
		return
	}
	if m.mfc.sptMonitor == m {
		m.stop()
		m.mfc.sptMonitor = nil
	}
	sg.sptSwitchFired()
}
