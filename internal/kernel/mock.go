package kernel

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/openmcast/pimsm/internal/vifset"
)

// MockEntry is one installed MFC entry in the mock mirror.
type MockEntry struct {
	IIF              uint16
	Oifs             vifset.Set
	WrongVifSuppress vifset.Set
	RP               netip.Addr
}

type sgKey struct {
	source, group netip.Addr
}

// Mock is an in-memory Forwarder for tests. Counters are settable and
// upcalls injectable from the test body.
type Mock struct {
	mu       sync.Mutex
	entries  map[sgKey]MockEntry
	counts   map[sgKey]SGCount
	upcalls  chan Upcall
	failNext int
	addCalls int
}

// NewMock creates an empty mock forwarder.
func NewMock() *Mock {
	return &Mock{
		entries: make(map[sgKey]MockEntry),
		counts:  make(map[sgKey]SGCount),
		upcalls: make(chan Upcall, 64),
	}
}

// FailNextAdds makes the next n AddMFC calls return an error.
func (m *Mock) FailNextAdds(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *Mock) AddMFC(source, group netip.Addr, iif uint16, oifs, wrongVifSuppress vifset.Set, rp netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls++
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("kernel: add_mfc(%s, %s): injected failure", source, group)
	}
	m.entries[sgKey{source, group}] = MockEntry{
		IIF:              iif,
		Oifs:             oifs,
		WrongVifSuppress: wrongVifSuppress,
		RP:               rp,
	}
	return nil
}

func (m *Mock) DeleteMFC(source, group netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sgKey{source, group})
	return nil
}

func (m *Mock) SGCount(source, group netip.Addr) (SGCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[sgKey{source, group}], nil
}

func (m *Mock) Upcalls() <-chan Upcall { return m.upcalls }

// SetSGCount sets the counters returned for (S,G).
func (m *Mock) SetSGCount(source, group netip.Addr, c SGCount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[sgKey{source, group}] = c
}

// Inject delivers an upcall as if it came from the kernel.
func (m *Mock) Inject(u Upcall) {
	m.upcalls <- u
}

// Entry returns the installed entry for (S,G), if any.
func (m *Mock) Entry(source, group netip.Addr) (MockEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sgKey{source, group}]
	return e, ok
}

// EntryCount returns the number of installed entries.
func (m *Mock) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// AddCalls returns how many AddMFC calls were made.
func (m *Mock) AddCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCalls
}
