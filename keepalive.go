package chatrelay

import (
	"context"
	"sync"
	"time"
)

// keepaliveHooks are the probes the supervisor uses against its socket.
type keepaliveHooks struct {
	lastActivity func() time.Time
	ping         func(ctx context.Context) error
	idle         func()
}

// keepalive supervises one socket. Every interval it checks the time since
// the last inbound payload: past the idle threshold the socket is
// force-closed, otherwise a ping is sent. This keeps a silently stalled
// connection from blocking an indefinite receive.
type keepalive struct {
	interval      time.Duration
	idleThreshold time.Duration
	hooks         keepaliveHooks

	// ctx is cancelled by stop, which also unblocks a ping write stuck
	// on a stalled connection.
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newKeepalive(interval, idleThreshold time.Duration, hooks keepaliveHooks) *keepalive {
	ctx, cancel := context.WithCancel(context.Background())
	k := &keepalive{
		interval:      interval,
		idleThreshold: idleThreshold,
		hooks:         hooks,
		ctx:           ctx,
		cancel:        cancel,
	}
	go k.run()
	return k
}

func (k *keepalive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(k.hooks.lastActivity()) > k.idleThreshold {
				k.hooks.idle()
				return
			}
			if err := k.hooks.ping(k.ctx); err != nil {
				// The read loop will observe the dead connection; nothing
				// more to do here.
				return
			}
		}
	}
}

func (k *keepalive) stop() {
	k.stopOnce.Do(k.cancel)
}
