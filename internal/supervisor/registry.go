package supervisor

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bebsworthy/scriptwatch/internal/errors"
)

// SlotID is the zero-based position of a script in the input list. It keys
// the registry and indexes back into the script list after reap.
type SlotID int

// ChildHandle is the registry's handle on one live child. The PID is kept
// for diagnostics only; the slot is what identifies the script.
type ChildHandle struct {
	Slot      SlotID
	StartedAt time.Time

	pid     int
	process *os.Process
}

// PID returns the OS process identifier of the child
func (h *ChildHandle) PID() int {
	return h.pid
}

// release frees the OS resources the parent holds for an already reaped child
func (h *ChildHandle) release() {
	if h.process != nil {
		_ = h.process.Release()
		h.process = nil
	}
}

// Registry maps slots to live children. Entries are added while launching;
// once sealed the registry only shrinks.
type Registry struct {
	children map[SlotID]*ChildHandle
	sealed   bool
}

// NewRegistry creates an empty, unsealed registry
func NewRegistry() *Registry {
	return &Registry{children: make(map[SlotID]*ChildHandle)}
}

// Insert adds a live child. It fails once the registry is sealed or when the
// slot is already taken.
func (r *Registry) Insert(h *ChildHandle) error {
	if r.sealed {
		return errors.ErrRegistrySealed
	}
	if _, exists := r.children[h.Slot]; exists {
		return errors.InternalError(errors.CodeDuplicateSlot, fmt.Sprintf("Slot %d already registered", h.Slot), nil)
	}
	r.children[h.Slot] = h
	return nil
}

// Seal forbids further inserts
func (r *Registry) Seal() {
	r.sealed = true
}

// Get returns the child registered under slot
func (r *Registry) Get(slot SlotID) (*ChildHandle, bool) {
	h, ok := r.children[slot]
	return h, ok
}

// Remove drops the child under slot and releases its handle
func (r *Registry) Remove(slot SlotID) {
	if h, ok := r.children[slot]; ok {
		h.release()
		delete(r.children, slot)
	}
}

// Len returns the number of live children
func (r *Registry) Len() int {
	return len(r.children)
}

// Slots returns the registered slots in ascending order
func (r *Registry) Slots() []SlotID {
	slots := make([]SlotID, 0, len(r.children))
	for slot := range r.children {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// PIDs returns the PIDs of the live children in slot order
func (r *Registry) PIDs() []int {
	pids := make([]int, 0, len(r.children))
	for _, slot := range r.Slots() {
		pids = append(pids, r.children[slot].pid)
	}
	return pids
}
