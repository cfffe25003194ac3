package scheduler

import (
	"context"

	"guildwatch/internal/storage"
	logx "guildwatch/pkg/logx"
)

const (
	JobStorageOptimize = "storage.optimize"
	JobHeartbeat       = "heartbeat"
)

// Optimizer is the storage housekeeping hook.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// OptimizeJob runs store housekeeping.
func OptimizeJob(st Optimizer, log logx.Logger) Job {
	return func(ctx context.Context) error {
		if err := st.Optimize(ctx); err != nil {
			return err
		}
		log.Debug("storage optimized")
		return nil
	}
}

// HeartbeatJob logs store counters and the number of in-flight dispatches.
func HeartbeatJob(stats func() storage.Stats, inFlight func() int64, log logx.Logger) Job {
	return func(context.Context) error {
		fields := []logx.Field{logx.Int64("in_flight", inFlight())}
		if stats != nil {
			s := stats()
			fields = append(fields,
				logx.Uint64("kv_reads", s.Reads),
				logx.Uint64("kv_writes", s.Writes),
				logx.Uint64("kv_suppressed", s.Suppressed),
				logx.Uint64("kv_deletes", s.Deletes),
			)
		}
		log.Debug("heartbeat", fields...)
		return nil
	}
}
