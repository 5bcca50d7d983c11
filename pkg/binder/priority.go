package binder

import (
	"sync"
)

// PriorityController reads and adjusts the scheduling priority of
// participant threads, in nice units where lower is more urgent. The
// engine consults it when delivering a transaction: a synchronous call
// runs the handler at the caller's priority, clamped by the target
// node's minimum, and the handler's previous priority is restored when
// it replies.
type PriorityController interface {
	// Nice returns the current priority of a thread.
	Nice(pid, tid uint32) int32

	// SetNice adjusts the priority of a thread.
	SetNice(pid, tid uint32, nice int32)
}

// memoryPriorityController tracks priorities in a map, defaulting to
// zero. It is the default controller; embedders that schedule real
// threads supply their own.
type memoryPriorityController struct {
	mu sync.Mutex
	m  map[[2]uint32]int32
}

var _ PriorityController = (*memoryPriorityController)(nil)

// NewPriorityController returns the in-memory default controller.
func NewPriorityController() PriorityController {
	return &memoryPriorityController{m: make(map[[2]uint32]int32)}
}

func (c *memoryPriorityController) Nice(pid, tid uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[[2]uint32{pid, tid}]
}

func (c *memoryPriorityController) SetNice(pid, tid uint32, nice int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[[2]uint32{pid, tid}] = nice
}
