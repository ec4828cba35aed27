package storage

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/csr/allocation"
	"github.com/vkngwrapper/csr/config"
	"github.com/vkngwrapper/csr/internal/metrics"
	"github.com/vkngwrapper/csr/platform"
	"golang.org/x/exp/slog"
)

// InternalAllocationStorage is the pair of pools a command stream receiver stores its own allocations in
type InternalAllocationStorage struct {
	logger    *slog.Logger
	contextID platform.ContextID
	fences    FenceSource
	freer     Freer
	retention config.Retention

	temporary *Pool
	reusable  *Pool
}

func NewInternalAllocationStorage(
	logger *slog.Logger,
	contextID platform.ContextID,
	table *allocation.Table,
	fences FenceSource,
	freer Freer,
	retention config.Retention,
	collectors *metrics.Collectors,
) *InternalAllocationStorage {
	return &InternalAllocationStorage{
		logger:    logger,
		contextID: contextID,
		fences:    fences,
		freer:     freer,
		retention: retention,
		temporary: NewPool(ClassTemporary, table, collectors),
		reusable:  NewPool(ClassReusable, table, collectors),
	}
}

func (s *InternalAllocationStorage) Pool(class Class) *Pool {
	if class == ClassTemporary {
		return s.temporary
	}
	return s.reusable
}

// StoreAllocation hands alloc to the storage, stamped with taskCount on this receiver's context
func (s *InternalAllocationStorage) StoreAllocation(alloc *allocation.Allocation, class Class, taskCount uint64) {
	s.logger.Debug("InternalAllocationStorage::StoreAllocation",
		slog.String("Class", class.String()),
		slog.String("Type", alloc.Type().String()),
		slog.Uint64("TaskCount", taskCount),
	)

	s.Pool(class).Release(alloc, s.contextID, taskCount)
}

func (s *InternalAllocationStorage) ObtainReusableAllocation(request AcquireRequest) *allocation.Allocation {
	return s.reusable.TryAcquire(s.contextID, s.fences, request)
}

func (s *InternalAllocationStorage) ObtainTemporaryAllocationWithPtr(request AcquireRequest) *allocation.Allocation {
	if len(request.RequiredPtr) == 0 {
		return nil
	}
	return s.temporary.TryAcquire(s.contextID, s.fences, request)
}

// CleanAllocationList sweeps the class's pool against waitTaskCount. Completed temporary allocations follow
// the retention policy; completed reusable allocations are destroyed.
func (s *InternalAllocationStorage) CleanAllocationList(waitTaskCount uint64, class Class) error {
	var count int
	var err error

	if class == ClassTemporary {
		count, err = s.temporary.Sweep(s.contextID, waitTaskCount, s.fences, s.retention, s.reusable, s.freer)
	} else {
		count, err = s.reusable.Sweep(s.contextID, waitTaskCount, s.fences, config.RetentionFree, nil, s.freer)
	}

	if count > 0 {
		s.logger.Debug("InternalAllocationStorage::CleanAllocationList",
			slog.String("Class", class.String()),
			slog.Uint64("WaitTaskCount", waitTaskCount),
			slog.Int("Swept", count),
		)
	}
	if err != nil {
		s.logger.Error("InternalAllocationStorage::CleanAllocationList", slog.Any("error", err))
	}
	return err
}

// FreeAll destroys both pools' contents regardless of fences. Callers must have waited for the engine first.
func (s *InternalAllocationStorage) FreeAll() error {
	var err error
	for _, pool := range []*Pool{s.temporary, s.reusable} {
		for _, alloc := range pool.DetachAll() {
			err = errors.CombineErrors(err, s.freer.FreeGraphicsMemoryImmediately(alloc))
		}
	}
	return err
}

func (s *InternalAllocationStorage) PrintStats(obj *jwriter.ObjectState) {
	temporary := obj.Name("Temporary").Object()
	s.temporary.PrintStats(&temporary)
	temporary.End()

	reusable := obj.Name("Reusable").Object()
	s.reusable.PrintStats(&reusable)
	reusable.End()
}
