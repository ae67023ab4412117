package inmemory

import (
	"context"

	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/runtime"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage"
)

// StorageBatch queues writes and applies them on Flush. A batch that is never
// flushed leaves the store untouched, which is what gives the reject engines
// their all-or-nothing behavior.
type StorageBatch struct {
	db        *Storage
	stmtToRun []func(ctx context.Context) error
}

var _ storage.Batch = &StorageBatch{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func(ctx context.Context) error, 0, 10),
	}
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveProcessInstance(ctx, processInstance)
	})
	return nil
}

func (b *StorageBatch) SaveExecutionToken(ctx context.Context, token runtime.ExecutionToken) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveExecutionToken(ctx, token)
	})
	return nil
}

func (b *StorageBatch) SaveTask(ctx context.Context, task runtime.Task) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveTask(ctx, task)
	})
	return nil
}

func (b *StorageBatch) SaveMultiInstanceGroup(ctx context.Context, group runtime.MultiInstanceGroup) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveMultiInstanceGroup(ctx, group)
	})
	return nil
}

func (b *StorageBatch) SaveTaskRejectRecord(ctx context.Context, record runtime.TaskRejectRecord) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveTaskRejectRecord(ctx, record)
	})
	return nil
}

func (b *StorageBatch) SaveCompensationRecord(ctx context.Context, record runtime.CompensationRecord) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveCompensationRecord(ctx, record)
	})
	return nil
}

func (b *StorageBatch) SaveInclusiveGatewayState(ctx context.Context, state runtime.InclusiveGatewayState) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveInclusiveGatewayState(ctx, state)
	})
	return nil
}

func (b *StorageBatch) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context) error {
		return b.db.SaveEventSubscription(ctx, subscription)
	})
	return nil
}

func (b *StorageBatch) Flush(ctx context.Context) error {
	for _, stmt := range b.stmtToRun {
		if err := stmt(ctx); err != nil {
			return err
		}
	}
	b.stmtToRun = b.stmtToRun[:0]
	return nil
}
