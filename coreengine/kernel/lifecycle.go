package kernel

import (
	"container/heap"
	"time"
)

// =============================================================================
// Valid State Transitions
// =============================================================================

// validTransitions defines the allowed state transition matrix. Any pair not
// listed here is rejected with a StateTransition error before any mutation.
var validTransitions = map[ProcessState]map[ProcessState]bool{
	ProcessStateNew: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateReady: {
		ProcessStateRunning:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateRunning: {
		ProcessStateReady:      true, // Preempted
		ProcessStateWaiting:    true, // Waiting on interrupt
		ProcessStateBlocked:    true, // Resource exhausted
		ProcessStateTerminated: true,
	},
	ProcessStateWaiting: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateBlocked: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateTerminated: {
		ProcessStateZombie: true,
	},
	ProcessStateZombie: {}, // Absorbing
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to ProcessState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Priority Queue (heap)
// =============================================================================

type priorityItem struct {
	pid       string
	priority  int       // Lower = higher priority
	createdAt time.Time // FIFO within same priority
	index     int       // Heap index
}

type priorityQueue []*priorityItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].createdAt.Before(pq[j].createdAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*priorityItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// =============================================================================
// Lifecycle Manager
// =============================================================================

// LifecycleManager owns the PCB table and the ready queue. Not safe for
// concurrent use on its own; the Kernel serializes access.
type LifecycleManager struct {
	defaultQuota *ResourceQuota
	processes    map[string]*ProcessControlBlock
	readyQueue   priorityQueue
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(defaultQuota *ResourceQuota) *LifecycleManager {
	if defaultQuota == nil {
		defaultQuota = DefaultQuota()
	}
	lm := &LifecycleManager{
		defaultQuota: defaultQuota,
		processes:    make(map[string]*ProcessControlBlock),
		readyQueue:   make(priorityQueue, 0),
	}
	heap.Init(&lm.readyQueue)
	return lm
}

// Submit creates a new process in the NEW state.
func (lm *LifecycleManager) Submit(pid, requestID, userID, sessionID string, priority SchedulingPriority, quota *ResourceQuota) (*ProcessControlBlock, error) {
	const op = "lifecycle.Submit"

	if _, ok := lm.processes[pid]; ok {
		return nil, Errorf(ErrValidation, op, "process %s already exists", pid)
	}
	if priority != "" && !priority.IsValid() {
		return nil, Errorf(ErrValidation, op, "unknown priority %q", priority)
	}

	pcb, err := NewProcessControlBlock(pid, requestID, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if priority != "" {
		pcb.Priority = priority
	}
	if quota != nil {
		pcb.Quota = quota
	} else {
		pcb.Quota = lm.defaultQuota.Clone()
	}

	lm.processes[pid] = pcb
	return pcb, nil
}

// Schedule moves a NEW or READY process into the ready queue.
func (lm *LifecycleManager) Schedule(pid string) error {
	const op = "lifecycle.Schedule"

	pcb, ok := lm.processes[pid]
	if !ok {
		return Errorf(ErrNotFound, op, "unknown pid %s", pid)
	}
	if !pcb.CanSchedule() {
		return Errorf(ErrStateTransition, op, "cannot schedule pid %s in state %s", pid, pcb.State)
	}

	pcb.State = ProcessStateReady
	heap.Push(&lm.readyQueue, &priorityItem{
		pid:       pid,
		priority:  pcb.Priority.HeapValue(),
		createdAt: pcb.CreatedAt,
	})
	return nil
}

// GetNextRunnable pops the highest-priority READY process and moves it to
// RUNNING. Ties within a priority band break FIFO on creation time.
// Returns nil when nothing is runnable.
func (lm *LifecycleManager) GetNextRunnable() *ProcessControlBlock {
	for lm.readyQueue.Len() > 0 {
		item := heap.Pop(&lm.readyQueue).(*priorityItem)

		pcb, ok := lm.processes[item.pid]
		if !ok {
			continue // Reclaimed since queuing
		}
		if pcb.State != ProcessStateReady {
			continue // State changed since queuing
		}

		pcb.Start()
		return pcb
	}
	return nil
}

// TransitionState moves a process to a new state, validating against the
// transition matrix first. Invalid transitions leave state unchanged.
func (lm *LifecycleManager) TransitionState(pid string, newState ProcessState) error {
	const op = "lifecycle.TransitionState"

	pcb, ok := lm.processes[pid]
	if !ok {
		return Errorf(ErrNotFound, op, "unknown pid %s", pid)
	}

	oldState := pcb.State
	if !IsValidTransition(oldState, newState) {
		return Errorf(ErrStateTransition, op, "invalid transition %s -> %s for pid %s", oldState, newState, pid)
	}

	switch newState {
	case ProcessStateRunning:
		pcb.Start()
	case ProcessStateTerminated:
		pcb.Complete()
	case ProcessStateReady:
		pcb.State = ProcessStateReady
		heap.Push(&lm.readyQueue, &priorityItem{
			pid:       pid,
			priority:  pcb.Priority.HeapValue(),
			createdAt: pcb.CreatedAt,
		})
	default:
		pcb.State = newState
	}
	return nil
}

// GetProcess returns a process by id.
func (lm *LifecycleManager) GetProcess(pid string) (*ProcessControlBlock, error) {
	pcb, ok := lm.processes[pid]
	if !ok {
		return nil, Errorf(ErrNotFound, "lifecycle.GetProcess", "unknown pid %s", pid)
	}
	return pcb, nil
}

// ListProcesses returns processes matching the optional filters.
func (lm *LifecycleManager) ListProcesses(state *ProcessState, userID string) []*ProcessControlBlock {
	var result []*ProcessControlBlock
	for _, pcb := range lm.processes {
		if state != nil && pcb.State != *state {
			continue
		}
		if userID != "" && pcb.UserID != userID {
			continue
		}
		result = append(result, pcb)
	}
	return result
}

// Terminate moves a process to TERMINATED, stamping completion time and
// freezing elapsed seconds. Terminating an already-terminated process is a
// no-op. A RUNNING process requires force.
func (lm *LifecycleManager) Terminate(pid string, force bool) error {
	const op = "lifecycle.Terminate"

	pcb, ok := lm.processes[pid]
	if !ok {
		return Errorf(ErrNotFound, op, "unknown pid %s", pid)
	}
	if pcb.IsTerminated() {
		return nil
	}
	if pcb.State == ProcessStateRunning && !force {
		return Errorf(ErrStateTransition, op, "cannot terminate running pid %s without force", pid)
	}

	pcb.Complete()
	return nil
}

// Bury moves a single TERMINATED process to ZOMBIE. Two-phase reclamation:
// callers can still read final PCB state until the zombie is reaped.
func (lm *LifecycleManager) Bury(pid string) error {
	const op = "lifecycle.Bury"

	pcb, ok := lm.processes[pid]
	if !ok {
		return Errorf(ErrNotFound, op, "unknown pid %s", pid)
	}
	if pcb.State != ProcessStateTerminated {
		return Errorf(ErrStateTransition, op, "cannot bury pid %s in state %s", pid, pcb.State)
	}
	pcb.State = ProcessStateZombie
	return nil
}

// MarkZombies moves TERMINATED processes completed before the cutoff to
// ZOMBIE and returns their pids.
func (lm *LifecycleManager) MarkZombies(cutoff time.Time) []string {
	var marked []string
	for pid, pcb := range lm.processes {
		if pcb.State != ProcessStateTerminated {
			continue
		}
		if pcb.CompletedAt != nil && pcb.CompletedAt.After(cutoff) {
			continue
		}
		pcb.State = ProcessStateZombie
		marked = append(marked, pid)
	}
	return marked
}

// ReapZombies removes all ZOMBIE processes from the table and returns their
// pids so the kernel can drop associated envelopes.
func (lm *LifecycleManager) ReapZombies() []string {
	var reaped []string
	for pid, pcb := range lm.processes {
		if pcb.State == ProcessStateZombie {
			delete(lm.processes, pid)
			reaped = append(reaped, pid)
		}
	}
	return reaped
}

// QueueDepth returns the number of queued ready items.
func (lm *LifecycleManager) QueueDepth() int {
	return lm.readyQueue.Len()
}

// ProcessCounts returns the count of processes by state.
func (lm *LifecycleManager) ProcessCounts() map[ProcessState]int {
	counts := make(map[ProcessState]int)
	for _, pcb := range lm.processes {
		counts[pcb.State]++
	}
	return counts
}

// TotalProcesses returns the size of the process table.
func (lm *LifecycleManager) TotalProcesses() int {
	return len(lm.processes)
}
