package barto

import "time"

// scheduleItem is a schedule waiting in the fire queue.
type scheduleItem struct {
	schedule *Schedule
	fireAt   time.Time
}

type scheduleHeap struct {
	heap []*scheduleItem
}

func newScheduleHeap() *scheduleHeap {
	return &scheduleHeap{
		heap: make([]*scheduleItem, 0),
	}
}

func (h scheduleHeap) Len() int {
	return len(h.heap)
}

func (h scheduleHeap) Less(i, j int) bool {
	return h.heap[i].fireAt.Before(h.heap[j].fireAt)
}

func (h scheduleHeap) Swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
}

func (h *scheduleHeap) Push(el any) {
	h.heap = append(h.heap, el.(*scheduleItem))
}

func (h *scheduleHeap) Pop() any {
	old := h.heap
	n := len(old)
	el := old[n-1]
	old[n-1] = nil // avoid memory leak
	h.heap = old[:n-1]
	return el
}

// peek returns the earliest item without removing it.
func (h *scheduleHeap) peek() *scheduleItem {
	if len(h.heap) == 0 {
		return nil
	}
	return h.heap[0]
}
