package presencelease

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Lessee is the presence tracker as seen by the lease loop.
type Lessee interface {
	RenewLease(ctx context.Context) error
	SweepOrphans(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run takes the lease, sweeps ledgers left by dead instances and then renews
// the lease every interval until ctx is done, at which point everything the
// instance still holds is released. The returned channel closes once that
// release finished.
func Run(ctx context.Context, l Lessee, every time.Duration) <-chan struct{} {
	done := make(chan struct{})

	if err := l.RenewLease(ctx); err != nil {
		zap.L().Error("presencelease.renew", zap.Error(err))
	}
	if err := l.SweepOrphans(ctx); err != nil {
		zap.L().Warn("presencelease.sweep", zap.Error(err))
	}

	tk := time.NewTicker(every)
	go func() {
		defer close(done)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				if err := l.Shutdown(sctx); err != nil {
					zap.L().Error("presencelease.shutdown", zap.Error(err))
				}
				cancel()
				return
			case <-tk.C:
				if err := l.RenewLease(ctx); err != nil {
					zap.L().Warn("presencelease.renew", zap.Error(err))
				}
			}
		}
	}()
	return done
}
