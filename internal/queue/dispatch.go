package queue

import (
	"context"
	"time"

	"github.com/PleXone2019/nzbcore/internal/article"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

// idlePoll is how long a worker sleeps when NextArticle found nothing;
// the sleep also watches ctx, so cancellation ends it at once.
const idlePoll = 50 * time.Millisecond

// Run drives the worker pool until ctx is cancelled. workerCount workers
// each pull the next eligible article and drive it through article.Run;
// ArticleFinished folds the result back into the queue.
func (c *Coordinator) Run(ctx context.Context, workerCount int) {
	if c.cfg.DownloadRate > 0 {
		c.deps.Limiter = rate.NewLimiter(rate.Limit(c.cfg.DownloadRate), int(c.cfg.DownloadRate))
	}

	p := pool.New().WithMaxGoroutines(workerCount).WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		p.Go(func(ctx context.Context) error {
			c.worker(ctx)
			return nil
		})
	}
	p.Wait()
}

func (c *Coordinator) worker(ctx context.Context) {
	deps := c.workerDeps()
	for {
		if ctx.Err() != nil {
			return
		}
		target, ok := c.NextArticle()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		status := article.Run(ctx, deps, target.art, target.file)
		c.ArticleFinished(ctx, target.art, status)
	}
}

// workerDeps clones the shared article.Deps with a private decoder Pair:
// decoders carry per-article mutable state and must not be shared across
// concurrently running workers.
func (c *Coordinator) workerDeps() *article.Deps {
	d := *c.deps
	d.Decoders = article.NewPair()
	return &d
}
