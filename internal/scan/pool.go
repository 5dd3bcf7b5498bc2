package scan

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds outbound provider calls across all jobs, with an optional
// per-workspace cap layered beneath the global one.
type Limiter struct {
	global       *semaphore.Weighted
	perWorkspace int64

	mu         sync.Mutex
	workspaces map[string]*workspaceSlot
}

type workspaceSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLimiter creates a Limiter. perWorkspace <= 0 disables the workspace cap.
func NewLimiter(global, perWorkspace int) *Limiter {
	if global <= 0 {
		global = 1
	}
	return &Limiter{
		global:       semaphore.NewWeighted(int64(global)),
		perWorkspace: int64(perWorkspace),
		workspaces:   make(map[string]*workspaceSlot),
	}
}

// Acquire blocks until the workspace and the global pool both have a free slot.
// The returned release must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, workspaceID string) (func(), error) {
	var ws *workspaceSlot
	if l.perWorkspace > 0 {
		ws = l.ref(workspaceID)
		if err := ws.sem.Acquire(ctx, 1); err != nil {
			l.unref(workspaceID)
			return nil, err
		}
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		if ws != nil {
			ws.sem.Release(1)
			l.unref(workspaceID)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.global.Release(1)
			if ws != nil {
				ws.sem.Release(1)
				l.unref(workspaceID)
			}
		})
	}, nil
}

func (l *Limiter) ref(workspaceID string) *workspaceSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, ok := l.workspaces[workspaceID]
	if !ok {
		ws = &workspaceSlot{sem: semaphore.NewWeighted(l.perWorkspace)}
		l.workspaces[workspaceID] = ws
	}
	ws.refs++
	return ws
}

func (l *Limiter) unref(workspaceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, ok := l.workspaces[workspaceID]
	if !ok {
		return
	}
	ws.refs--
	if ws.refs <= 0 {
		delete(l.workspaces, workspaceID)
	}
}
