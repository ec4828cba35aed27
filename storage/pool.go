// Package storage recycles allocations once the engines that used them have moved past their fences
package storage

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/csr/allocation"
	"github.com/vkngwrapper/csr/config"
	"github.com/vkngwrapper/csr/internal/metrics"
	"github.com/vkngwrapper/csr/memutils"
	"github.com/vkngwrapper/csr/platform"
)

type Class uint32

const (
	// ClassTemporary allocations are owned by one receiver and recycled automatically
	ClassTemporary Class = iota
	// ClassReusable allocations are kept until a matching request asks for them
	ClassReusable
)

var classMapping = make(map[Class]string)

func (c Class) String() string {
	return classMapping[c]
}

func init() {
	classMapping[ClassTemporary] = "ClassTemporary"
	classMapping[ClassReusable] = "ClassReusable"
}

// FenceSource reports completion for every engine context on a device
type FenceSource interface {
	CompletedValue(contextID platform.ContextID) (value uint64, ok bool)
}

// Freer physically destroys allocations
type Freer interface {
	FreeGraphicsMemoryImmediately(alloc *allocation.Allocation) error
}

type AcquireRequest struct {
	MinSize uint64
	Type    allocation.Type
	Pool    platform.MemoryPool
	// RequiredPtr, when set, only matches allocations whose CPU mapping starts at the same address
	RequiredPtr []byte
}

func (r AcquireRequest) matches(alloc *allocation.Allocation) bool {
	if alloc.Type() != r.Type || alloc.MemoryPool() != r.Pool || alloc.Size() < r.MinSize {
		return false
	}
	if len(r.RequiredPtr) > 0 {
		cpu := alloc.CPU()
		return len(cpu) > 0 && &cpu[0] == &r.RequiredPtr[0]
	}
	return true
}

// completedEverywhere reports whether every context that used the allocation has completed its task count.
// The sweeping context's completion is passed in directly. Contexts that no longer exist are ignored.
func completedEverywhere(alloc *allocation.Allocation, fences FenceSource, sweeping platform.ContextID, sweepingCompleted uint64) bool {
	for _, contextID := range alloc.UsedContexts() {
		var completed uint64
		if contextID == sweeping {
			completed = sweepingCompleted
		} else {
			var ok bool
			completed, ok = fences.CompletedValue(contextID)
			if !ok {
				continue
			}
		}

		if completed < alloc.TaskCount(contextID) {
			return false
		}
	}
	return true
}

// Pool is a singly linked list of allocations threaded through the allocation table by ID
type Pool struct {
	lock    sync.Mutex
	class   Class
	table   *allocation.Table
	metrics *metrics.Collectors

	head  allocation.ID
	tail  allocation.ID
	count int

	hits   int
	misses int
}

func NewPool(class Class, table *allocation.Table, collectors *metrics.Collectors) *Pool {
	return &Pool{
		class:   class,
		table:   table,
		metrics: collectors,
	}
}

func (p *Pool) Class() Class {
	return p.class
}

func (p *Pool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.count
}

func (p *Pool) get(id allocation.ID) *allocation.Allocation {
	alloc, err := p.table.Get(id)
	if err != nil {
		panic("storage list holds an allocation that is no longer in the table")
	}
	return alloc
}

func (p *Pool) pushLocked(alloc *allocation.Allocation) {
	alloc.SetNextInList(allocation.InvalidID)
	if p.tail == allocation.InvalidID {
		p.head = alloc.ID()
	} else {
		p.get(p.tail).SetNextInList(alloc.ID())
	}
	p.tail = alloc.ID()
	p.count++
}

// unlinkLocked removes alloc, whose predecessor is prev (or InvalidID at the head), and returns its successor
func (p *Pool) unlinkLocked(prev allocation.ID, alloc *allocation.Allocation) allocation.ID {
	next := alloc.NextInList()
	if prev == allocation.InvalidID {
		p.head = next
	} else {
		p.get(prev).SetNextInList(next)
	}
	if p.tail == alloc.ID() {
		p.tail = prev
	}
	alloc.SetNextInList(allocation.InvalidID)
	p.count--
	return next
}

// Push appends alloc without touching its task counts
func (p *Pool) Push(alloc *allocation.Allocation) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.pushLocked(alloc)
}

// Release stamps alloc with fenceValue on contextID and appends it. It becomes acquirable once the context
// has completed fenceValue.
func (p *Pool) Release(alloc *allocation.Allocation, contextID platform.ContextID, fenceValue uint64) {
	alloc.UpdateTaskCount(fenceValue, contextID)
	p.Push(alloc)
}

// TryAcquire removes and returns the first allocation that matches request and that no context is still
// using. It never blocks.
func (p *Pool) TryAcquire(contextID platform.ContextID, fences FenceSource, request AcquireRequest) *allocation.Allocation {
	completed, _ := fences.CompletedValue(contextID)

	p.lock.Lock()
	defer p.lock.Unlock()

	prev := allocation.InvalidID
	for id := p.head; id != allocation.InvalidID; {
		alloc := p.get(id)
		if request.matches(alloc) && completedEverywhere(alloc, fences, contextID, completed) {
			p.unlinkLocked(prev, alloc)
			p.hits++
			p.metrics.ObservePoolAcquire(p.class.String(), true)
			return alloc
		}

		prev = id
		id = alloc.NextInList()
	}

	p.misses++
	p.metrics.ObservePoolAcquire(p.class.String(), false)
	return nil
}

// Detach removes every allocation that contextID has completed and no other context is still using, and
// returns them. Entries still in use stay in place.
func (p *Pool) Detach(contextID platform.ContextID, completed uint64, fences FenceSource) []*allocation.Allocation {
	p.lock.Lock()
	defer p.lock.Unlock()

	var detached []*allocation.Allocation
	prev := allocation.InvalidID
	for id := p.head; id != allocation.InvalidID; {
		alloc := p.get(id)
		if !completedEverywhere(alloc, fences, contextID, completed) {
			prev = id
			id = alloc.NextInList()
			continue
		}

		id = p.unlinkLocked(prev, alloc)
		detached = append(detached, alloc)
	}

	return detached
}

// Sweep detaches everything contextID has completed that no other context is still using. With
// config.RetentionReuse and a non-nil keep pool the detached allocations move to keep with their usage
// forgotten; otherwise they are destroyed through freer. It returns the number of allocations detached.
func (p *Pool) Sweep(contextID platform.ContextID, completed uint64, fences FenceSource, retention config.Retention, keep *Pool, freer Freer) (int, error) {
	detached := p.Detach(contextID, completed, fences)

	var err error
	for _, alloc := range detached {
		if retention == config.RetentionReuse && keep != nil {
			for _, used := range alloc.UsedContexts() {
				alloc.ReleaseUsageInContext(used)
			}
			keep.Push(alloc)
			continue
		}

		err = errors.CombineErrors(err, freer.FreeGraphicsMemoryImmediately(alloc))
	}

	return len(detached), err
}

// DetachAll empties the list
func (p *Pool) DetachAll() []*allocation.Allocation {
	p.lock.Lock()
	defer p.lock.Unlock()

	var detached []*allocation.Allocation
	for id := p.head; id != allocation.InvalidID; {
		alloc := p.get(id)
		id = alloc.NextInList()
		alloc.SetNextInList(allocation.InvalidID)
		detached = append(detached, alloc)
	}

	p.head = allocation.InvalidID
	p.tail = allocation.InvalidID
	p.count = 0
	return detached
}

func (p *Pool) CalculateStatistics(stats *memutils.PoolStatistics) {
	p.lock.Lock()
	defer p.lock.Unlock()

	stats.Clear()
	for id := p.head; id != allocation.InvalidID; {
		alloc := p.get(id)
		stats.AddAllocation(alloc.Size())
		id = alloc.NextInList()
	}
	stats.AcquireHits = p.hits
	stats.AcquireMisses = p.misses
}

func (p *Pool) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	p.PrintStats(&obj)
	obj.End()
}

func (p *Pool) PrintStats(obj *jwriter.ObjectState) {
	p.lock.Lock()
	defer p.lock.Unlock()

	obj.Name("Class").String(p.class.String())
	obj.Name("Count").Int(p.count)
	obj.Name("AcquireHits").Int(p.hits)
	obj.Name("AcquireMisses").Int(p.misses)

	arr := obj.Name("Allocations").Array()
	defer arr.End()

	for id := p.head; id != allocation.InvalidID; {
		alloc := p.get(id)

		allocObj := arr.Object()
		alloc.PrintParameters(&allocObj)
		allocObj.End()

		id = alloc.NextInList()
	}
}
