package openproject

import "context"

// slotPool bounds the number of in-flight backend requests. Callers block
// on acquire until a slot frees up or their context expires; the ceiling is
// never exceeded.
type slotPool struct {
	slots chan struct{}
}

func newSlotPool(size int) *slotPool {
	if size <= 0 {
		size = DefaultMaxConnections
	}
	return &slotPool{slots: make(chan struct{}, size)}
}

func (p *slotPool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *slotPool) release() {
	<-p.slots
}

// inFlight reports the number of currently held slots.
func (p *slotPool) inFlight() int {
	return len(p.slots)
}
