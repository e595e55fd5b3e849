// Package queue holds the per-machine CNC job queues.
package queue

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abutsfit/cncbridge/internal/metrics"
)

// Kind is the type of a queued item.
type Kind string

const (
	KindFile  Kind = "file"
	KindDummy Kind = "dummy"
)

// Priorities used by the enqueue helpers. Lower runs first.
const (
	PriorityMachinePage  = 1
	PriorityMachiningJob = 2
)

var (
	ErrNotFound    = errors.New("queue: item not found")
	ErrInvalidItem = errors.New("queue: invalid item")
	ErrNoMachine   = errors.New("queue: machine id is required")
)

// Item is one queued machining job.
type Item struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	MachineID        string    `json:"machineId"`
	Qty              int       `json:"qty"`
	FileName         string    `json:"fileName,omitempty"`
	OriginalFileName string    `json:"originalFileName,omitempty"`
	BridgePath       string    `json:"bridgePath,omitempty"`
	RequestID        string    `json:"requestId,omitempty"`
	AllowAutoStart   bool      `json:"allowAutoStart"`
	Priority         int       `json:"priority,omitempty"`
	ProgramNo        int       `json:"programNo,omitempty"`
	ProgramName      string    `json:"programName,omitempty"`
	CreatedAt        time.Time `json:"createdAtUtc"`
	Source           string    `json:"source,omitempty"`
	Paused           bool      `json:"paused"`
}

// FileJob describes a file item to enqueue.
type FileJob struct {
	FileName         string
	OriginalFileName string
	BridgePath       string
	RequestID        string
	AllowAutoStart   bool
	Source           string
}

type machineQueue struct {
	mu    sync.Mutex
	id    string
	items []*Item
}

// Queues is the set of per-machine queues. Machine ids are case-insensitive.
type Queues struct {
	mu     sync.RWMutex
	queues map[string]*machineQueue
	now    func() time.Time
}

// New returns an empty set of queues.
func New() *Queues {
	return &Queues{queues: make(map[string]*machineQueue), now: time.Now}
}

func key(machineID string) string {
	return strings.ToLower(strings.TrimSpace(machineID))
}

func (q *Queues) get(machineID string, create bool) *machineQueue {
	k := key(machineID)
	q.mu.RLock()
	mq := q.queues[k]
	q.mu.RUnlock()
	if mq != nil || !create {
		return mq
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if mq = q.queues[k]; mq == nil {
		mq = &machineQueue{id: strings.TrimSpace(machineID)}
		q.queues[k] = mq
	}
	return mq
}

func (mq *machineQueue) publish() {
	metrics.SetQueueDepth(mq.id, len(mq.items))
}

func (mq *machineQueue) find(id string) int {
	id = strings.TrimSpace(id)
	for i, it := range mq.items {
		if strings.EqualFold(it.ID, id) {
			return i
		}
	}
	return -1
}

func copyItems(items []*Item, limit int) []Item {
	if limit < 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]Item, limit)
	for i := 0; i < limit; i++ {
		out[i] = *items[i]
	}
	return out
}

func (q *Queues) newFileItem(machineID string, job FileJob, defaultSource string) *Item {
	orig := job.OriginalFileName
	if strings.TrimSpace(orig) == "" {
		orig = job.FileName
	}
	src := job.Source
	if src == "" {
		src = defaultSource
	}
	return &Item{
		ID:               uuid.NewString(),
		Kind:             KindFile,
		MachineID:        strings.TrimSpace(machineID),
		Qty:              1,
		FileName:         job.FileName,
		OriginalFileName: orig,
		BridgePath:       job.BridgePath,
		RequestID:        job.RequestID,
		AllowAutoStart:   job.AllowAutoStart,
		Priority:         PriorityMachiningJob,
		CreatedAt:        q.now().UTC(),
		Source:           src,
	}
}

// EnqueueBack appends a file item.
func (q *Queues) EnqueueBack(machineID string, job FileJob) (Item, error) {
	if key(machineID) == "" {
		return Item{}, ErrNoMachine
	}
	it := q.newFileItem(machineID, job, "cam_approve")
	mq := q.get(machineID, true)
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.items = append(mq.items, it)
	mq.publish()
	return *it, nil
}

// EnqueueFront inserts a file item so it runs after the current job.
func (q *Queues) EnqueueFront(machineID string, job FileJob) (Item, error) {
	if key(machineID) == "" {
		return Item{}, ErrNoMachine
	}
	return q.pushFront(machineID, q.newFileItem(machineID, job, "bridge_insert"))
}

// EnqueueDummyFront inserts a dummy program run at the front.
func (q *Queues) EnqueueDummyFront(machineID string, programNo int, programName string) (Item, error) {
	if key(machineID) == "" {
		return Item{}, ErrNoMachine
	}
	if programNo <= 0 {
		return Item{}, ErrInvalidItem
	}
	return q.pushFront(machineID, &Item{
		ID:          uuid.NewString(),
		Kind:        KindDummy,
		MachineID:   strings.TrimSpace(machineID),
		Qty:         1,
		ProgramNo:   programNo,
		ProgramName: programName,
		CreatedAt:   q.now().UTC(),
		Source:      "dummy_schedule",
	})
}

func (q *Queues) pushFront(machineID string, it *Item) (Item, error) {
	mq := q.get(machineID, true)
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.items = append([]*Item{it}, mq.items...)
	mq.publish()
	return *it, nil
}

// Replace swaps the queue contents for items. Items without an id get one.
func (q *Queues) Replace(machineID string, items []Item) error {
	if key(machineID) == "" {
		return ErrNoMachine
	}
	next := make([]*Item, 0, len(items))
	for i := range items {
		it := items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.Kind == "" {
			it.Kind = KindFile
		}
		if it.Qty < 1 {
			it.Qty = 1
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = q.now().UTC()
		}
		it.MachineID = strings.TrimSpace(machineID)
		next = append(next, &it)
	}
	mq := q.get(machineID, true)
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.items = next
	mq.publish()
	return nil
}

// Peek returns the head item without removing it.
func (q *Queues) Peek(machineID string) (Item, bool) {
	mq := q.get(machineID, false)
	if mq == nil {
		return Item{}, false
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if len(mq.items) == 0 {
		return Item{}, false
	}
	return *mq.items[0], true
}

// Pop takes one run off the head. An item with qty > 1 stays queued with
// its qty decremented and a single-qty copy is returned.
func (q *Queues) Pop(machineID string) (Item, bool) {
	mq := q.get(machineID, false)
	if mq == nil {
		return Item{}, false
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if len(mq.items) == 0 {
		return Item{}, false
	}
	head := mq.items[0]
	if head.Qty > 1 {
		head.Qty--
		out := *head
		out.Qty = 1
		return out, true
	}
	mq.items[0] = nil
	mq.items = mq.items[1:]
	mq.publish()
	out := *head
	out.Qty = 1
	return out, true
}

func (q *Queues) update(machineID, jobID string, fn func(*Item)) (Item, error) {
	if key(machineID) == "" || strings.TrimSpace(jobID) == "" {
		return Item{}, ErrNotFound
	}
	mq := q.get(machineID, false)
	if mq == nil {
		return Item{}, ErrNotFound
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()
	i := mq.find(jobID)
	if i < 0 {
		return Item{}, ErrNotFound
	}
	fn(mq.items[i])
	return *mq.items[i], nil
}

// SetPaused pauses or resumes an item.
func (q *Queues) SetPaused(machineID, jobID string, paused bool) (Item, error) {
	return q.update(machineID, jobID, func(it *Item) { it.Paused = paused })
}

// SetQty sets the remaining run count, never below one.
func (q *Queues) SetQty(machineID, jobID string, qty int) (Item, error) {
	return q.update(machineID, jobID, func(it *Item) { it.Qty = max(1, qty) })
}

// Reorder moves the listed ids to the front in the given order. Unknown ids
// are ignored and unlisted items keep their relative order.
func (q *Queues) Reorder(machineID string, order []string) []Item {
	mq := q.get(machineID, false)
	if mq == nil {
		return []Item{}
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()

	used := make(map[int]bool, len(order))
	rebuilt := make([]*Item, 0, len(mq.items))
	for _, id := range order {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if i := mq.find(id); i >= 0 && !used[i] {
			used[i] = true
			rebuilt = append(rebuilt, mq.items[i])
		}
	}
	for i, it := range mq.items {
		if !used[i] {
			rebuilt = append(rebuilt, it)
		}
	}
	mq.items = rebuilt
	return copyItems(mq.items, -1)
}

// Snapshot copies one machine queue.
func (q *Queues) Snapshot(machineID string) []Item {
	mq := q.get(machineID, false)
	if mq == nil {
		return []Item{}
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return copyItems(mq.items, -1)
}

// SnapshotAll copies up to maxPerMachine items of every known queue, keyed
// by machine id as first enqueued.
func (q *Queues) SnapshotAll(maxPerMachine int) map[string][]Item {
	q.mu.RLock()
	all := make([]*machineQueue, 0, len(q.queues))
	for _, mq := range q.queues {
		all = append(all, mq)
	}
	q.mu.RUnlock()

	out := make(map[string][]Item, len(all))
	for _, mq := range all {
		mq.mu.Lock()
		out[mq.id] = copyItems(mq.items, max(0, maxPerMachine))
		mq.mu.Unlock()
	}
	return out
}

// Machines lists machine ids with a queue, sorted.
func (q *Queues) Machines() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ids := make([]string, 0, len(q.queues))
	for _, mq := range q.queues {
		ids = append(ids, mq.id)
	}
	sort.Strings(ids)
	return ids
}

// Clear empties one machine queue.
func (q *Queues) Clear(machineID string) {
	mq := q.get(machineID, false)
	if mq == nil {
		return
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.items = nil
	mq.publish()
}

// Remove deletes an item by id.
func (q *Queues) Remove(machineID, jobID string) bool {
	mq := q.get(machineID, false)
	if mq == nil || strings.TrimSpace(jobID) == "" {
		return false
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()
	i := mq.find(jobID)
	if i < 0 {
		return false
	}
	mq.items = append(mq.items[:i], mq.items[i+1:]...)
	mq.publish()
	return true
}
