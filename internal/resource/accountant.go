// Package resource tracks per-bot CPU/memory reservations against host
// caps (C4). Reservations are advisory: they bound admission, not actual
// OS-level isolation, per spec.md §4.4.
package resource

import (
	"fmt"
	"runtime"
	"sync"
)

// Reservation is the resource ask a bot makes at creation time.
type Reservation struct {
	CPU    float64 // fractional cores
	Memory int64   // bytes
}

// Status is the accountant's point-in-time view, returned by get_resource_status.
type Status struct {
	Cores            int
	MaxBots          int
	ReservedCPU      float64
	ReservedMemory   int64
	AvailableCPU     float64
	AvailableMemory  int64
	RunningBots      int
	Warning          string
}

// ErrExhausted is returned when admitting a reservation would exceed the
// host's hard cap (I4).
var ErrExhausted = fmt.Errorf("resource exhausted")

// Accountant is safe for concurrent use: the controller calls Reserve and
// Release from whichever goroutine runs the operation (client connections,
// StartAll/StopAll workers), and Status may be read from anywhere, so every
// method takes mu.
type Accountant struct {
	mu sync.Mutex

	cores           int
	totalMemory     int64
	safeFactor      float64 // hard cap multiplier over cores, default 2.0

	reservedCPU    float64
	reservedMemory int64
	running        map[string]Reservation
}

// New builds an Accountant. totalMemory is operator-supplied (no OS probing,
// per §4.4); cores defaults to runtime.NumCPU() when cores <= 0.
func New(cores int, totalMemory int64, safeFactor float64) *Accountant {
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if safeFactor <= 0 {
		safeFactor = 2.0
	}
	return &Accountant{
		cores:       cores,
		totalMemory: totalMemory,
		safeFactor:  safeFactor,
		running:     make(map[string]Reservation),
	}
}

func (a *Accountant) maxBots() int {
	return int(float64(a.cores) * a.safeFactor)
}

// Reserve admits a reservation for id, or returns ErrExhausted if doing so
// would exceed the hard cap (2x cores by default, or the memory ceiling).
func (a *Accountant) Reserve(id string, r Reservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.running[id]; exists {
		return nil // idempotent: already reserved
	}
	if len(a.running)+1 > a.maxBots() {
		return fmt.Errorf("%w: max bots (%d) reached", ErrExhausted, a.maxBots())
	}
	if a.totalMemory > 0 && a.reservedMemory+r.Memory > a.totalMemory {
		return fmt.Errorf("%w: memory cap (%d bytes) reached", ErrExhausted, a.totalMemory)
	}

	a.running[id] = r
	a.reservedCPU += r.CPU
	a.reservedMemory += r.Memory
	return nil
}

// Release frees id's reservation. A release for an unknown id is a no-op,
// matching the controller's "stop releases the reservation" idempotence
// even when the bot was never successfully admitted.
func (a *Accountant) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.running[id]
	if !ok {
		return
	}
	delete(a.running, id)
	a.reservedCPU -= r.CPU
	a.reservedMemory -= r.Memory
}

// Status returns the accountant's current view, including a warning when
// the running count exceeds the one-bot-per-core suggestion.
func (a *Accountant) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Status{
		Cores:           a.cores,
		MaxBots:         a.maxBots(),
		ReservedCPU:     a.reservedCPU,
		ReservedMemory:  a.reservedMemory,
		AvailableCPU:    float64(a.maxBots()) - a.reservedCPU,
		RunningBots:     len(a.running),
	}
	if a.totalMemory > 0 {
		s.AvailableMemory = a.totalMemory - a.reservedMemory
	}
	if len(a.running) > a.cores {
		s.Warning = fmt.Sprintf("running bot count (%d) exceeds host core count (%d)", len(a.running), a.cores)
	}
	return s
}
