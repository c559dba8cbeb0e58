package eventqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/windower"
)

// Handler processes the two event kinds the queue carries. The Orchestrator
// supplies the concrete implementation, wiring in the Fact Extractor,
// Fact Quality Manager, and Episode Monitor. llmBreakerOpen tells the
// handler to degrade to rule-only extraction and skip J+K, per §4.E.
type Handler interface {
	HandleWindowClosed(ctx context.Context, w windower.ClosedWindow, llmBreakerOpen bool) error
	HandleEpisodeTick(ctx context.Context) error
}

// Pool is the fixed worker pool dequeuing from Queue, adapted from the
// teacher's PoolManager: one pond.WorkerPool, submitted tasks wrapped for
// panic recovery, and a Shutdown that drains gracefully.
type Pool struct {
	queue   *Queue
	pool    *pond.WorkerPool
	handler Handler

	storeBreaker *Breaker
	llmBreaker   *Breaker

	staleFor time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewPool(cfg *config.Config, queue *Queue, handler Handler) *Pool {
	workers := cfg.Queue.Workers
	if workers <= 0 {
		workers = 3
	}
	return &Pool{
		queue:        queue,
		pool:         pond.New(workers, workers*4, pond.MinWorkers(workers), pond.IdleTimeout(30*time.Second)),
		handler:      handler,
		storeBreaker: NewBreaker(cfg.Breaker),
		llmBreaker:   NewBreaker(cfg.Breaker),
		staleFor:     time.Duration(cfg.Queue.StalenessSeconds) * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Submit enqueues a WINDOW_CLOSED event.
func (p *Pool) Submit(cw windower.ClosedWindow) error {
	return p.queue.Enqueue(Event{
		Kind:       KindWindowClosed,
		Priority:   cw.Priority,
		EnqueuedAt: time.Now(),
		Window:     &cw,
	})
}

// SubmitEpisodeTick enqueues an EPISODE_TICK event at P2, matching the
// Episode Monitor's periodic-sweep cadence rather than the urgency of a
// freshly closed HIGH-value window.
func (p *Pool) SubmitEpisodeTick() error {
	return p.queue.Enqueue(Event{
		Kind:       KindEpisodeTick,
		Priority:   windower.PriorityMedium,
		EnqueuedAt: time.Now(),
	})
}

// Start launches the dispatch loop that feeds dequeued events to the pond
// pool. It runs until ctx is cancelled or Shutdown is called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.dispatchLoop(ctx)
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			ev, ok := p.queue.Dequeue(p.staleFor)
			if !ok {
				continue
			}
			p.pool.Submit(func() {
				p.process(ctx, ev)
			})
		}
	}
}

func (p *Pool) process(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event worker panicked", "error", r, "kind", ev.Kind)
		}
	}()

	switch ev.Kind {
	case KindWindowClosed:
		llmOpen := p.llmBreaker.State() == StateOpen
		err := p.storeBreaker.Call(ctx, func(callCtx context.Context) error {
			return p.handler.HandleWindowClosed(callCtx, *ev.Window, llmOpen)
		})
		if err != nil {
			slog.Error("window processing failed", "error", err, "chat_id", ev.Window.Window.ChatID)
		}
	case KindEpisodeTick:
		err := p.llmBreaker.Call(ctx, func(callCtx context.Context) error {
			return p.handler.HandleEpisodeTick(callCtx)
		})
		if err != nil {
			slog.Error("episode tick failed", "error", err)
		}
	}
}

// Shutdown signals cooperative cancellation and waits for in-flight tasks
// to complete, matching the teacher's PoolManager.Shutdown sequencing.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.pool.StopAndWait()
}

// Stats exposes breaker and queue state for the admin surface.
func (p *Pool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queue":         p.queue.Stats(),
		"store_breaker": p.storeBreaker.State(),
		"llm_breaker":   p.llmBreaker.State(),
		"running_workers": p.pool.RunningWorkers(),
		"waiting_tasks":   p.pool.WaitingTasks(),
	}
}

// LLMBreaker exposes the model-dependency breaker so the Fact Extractor can
// check it directly when deciding whether to attempt the model stage
// outside the window-closed event path (e.g. from §4.J's intent call).
func (p *Pool) LLMBreaker() *Breaker { return p.llmBreaker }

// StoreBreaker exposes the store-dependency breaker similarly.
func (p *Pool) StoreBreaker() *Breaker { return p.storeBreaker }
