package central

import (
	"fmt"
	"time"

	"github.com/haasonsaas/zubot/pkg/models"
)

// SlotState is a task slot's occupancy state.
type SlotState string

const (
	SlotFree       SlotState = "free"
	SlotAllocating SlotState = "allocating"
	SlotBusy       SlotState = "busy"
)

// TaskSlot is one logical execution seat. The number of enabled slots equals
// the configured task-runner concurrency; a slot held by a run is not reused
// until release.
type TaskSlot struct {
	SlotID     string               `json:"slot_id"`
	Enabled    bool                 `json:"enabled"`
	State      SlotState            `json:"state"`
	RunID      string               `json:"run_id,omitempty"`
	TaskID     string               `json:"task_id,omitempty"`
	TaskName   string               `json:"task_name,omitempty"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
	LastResult *models.WorkerResult `json:"last_result,omitempty"`
}

// newSlots builds n enabled free slots with stable ids.
func newSlots(n int) map[string]*TaskSlot {
	slots := make(map[string]*TaskSlot, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("slot-%d", i)
		slots[id] = &TaskSlot{SlotID: id, Enabled: true, State: SlotFree, UpdatedAt: time.Now().UTC()}
	}
	return slots
}

// syncSlotsLocked grows or shrinks the slot set to match concurrency.
// Growing adds (or re-enables) slots; shrinking disables surplus slots
// without preempting ones that are busy — a disabled busy slot drains and is
// then never reallocated.
func (s *Service) syncSlotsLocked(concurrency int) {
	enabled := 0
	maxIndex := 0
	for _, slot := range s.slots {
		var idx int
		fmt.Sscanf(slot.SlotID, "slot-%d", &idx)
		if idx > maxIndex {
			maxIndex = idx
		}
		if slot.Enabled {
			enabled++
		}
	}

	for enabled < concurrency {
		// Re-enable a disabled slot before minting a new one.
		var revived *TaskSlot
		for _, slot := range s.slots {
			if !slot.Enabled {
				revived = slot
				break
			}
		}
		if revived != nil {
			revived.Enabled = true
			revived.UpdatedAt = time.Now().UTC()
		} else {
			maxIndex++
			id := fmt.Sprintf("slot-%d", maxIndex)
			s.slots[id] = &TaskSlot{SlotID: id, Enabled: true, State: SlotFree, UpdatedAt: time.Now().UTC()}
		}
		enabled++
	}

	for enabled > concurrency {
		var victim *TaskSlot
		for _, slot := range s.slots {
			if slot.Enabled && slot.State == SlotFree {
				victim = slot
				break
			}
		}
		if victim == nil {
			// Only busy slots remain; disable one without preempting it.
			for _, slot := range s.slots {
				if slot.Enabled {
					victim = slot
					break
				}
			}
		}
		if victim == nil {
			return
		}
		victim.Enabled = false
		victim.UpdatedAt = time.Now().UTC()
		enabled--
	}
}

// reserveSlotLocked finds a free enabled slot and transitions it to
// allocating. Returns nil when every enabled slot is occupied.
func (s *Service) reserveSlotLocked() *TaskSlot {
	for _, slot := range s.slots {
		if slot.Enabled && slot.State == SlotFree {
			slot.State = SlotAllocating
			slot.UpdatedAt = time.Now().UTC()
			return slot
		}
	}
	return nil
}

// releaseSlotLocked frees a slot, stamping the finished run's result.
func (s *Service) releaseSlotLocked(slotID string, result *models.WorkerResult) {
	slot, ok := s.slots[slotID]
	if !ok {
		return
	}
	slot.State = SlotFree
	slot.RunID = ""
	slot.TaskID = ""
	slot.TaskName = ""
	slot.StartedAt = nil
	slot.LastResult = result
	slot.UpdatedAt = time.Now().UTC()
}

// BusySlotCount reports slots currently holding a run.
func (s *Service) BusySlotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slot := range s.slots {
		if slot.State == SlotBusy {
			n++
		}
	}
	return n
}

// Slots returns a snapshot of every slot, for diagnostics.
func (s *Service) Slots() []TaskSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, *slot)
	}
	return out
}
