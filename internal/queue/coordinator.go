// Package queue owns the shared download queue: it dispatches articles
// to workers, tracks per-article/per-file/per-bundle counters, and meters
// aggregate download speed. One QueueCoordinator instance is an explicit
// value threaded through the API — there is no process-wide singleton.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/PleXone2019/nzbcore/internal/article"
	"github.com/PleXone2019/nzbcore/internal/config"
	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/PleXone2019/nzbcore/internal/logger"
	"github.com/PleXone2019/nzbcore/internal/observer"
	"github.com/segmentio/ksuid"
)

// Persister is the opaque persistence hook the core consumes. The core
// must function with a no-op Persister; the on-disk format is not the
// core's concern.
type Persister interface {
	SaveQueue(nzbs []*domain.NzbInfo) error
	LoadQueue() ([]*domain.NzbInfo, error)
}

// NoopPersister implements Persister as a no-op, the default when no
// persistence backend is configured.
type NoopPersister struct{}

func (NoopPersister) SaveQueue([]*domain.NzbInfo) error   { return nil }
func (NoopPersister) LoadQueue() ([]*domain.NzbInfo, error) { return nil, nil }

// Coordinator owns the queue state and everything needed to dispatch
// work against it. The lock is held only for short critical sections;
// download() never runs while it is held.
type Coordinator struct {
	mu   sync.Mutex
	nzbs []*domain.NzbInfo

	deps      *article.Deps
	cfg       *config.Config
	log       *logger.Logger
	bus       *observer.Bus
	persister Persister
	speed     *SpeedMeter

	perFileCap int32 // cap on a FileInfo's concurrent articles
}

// New builds a coordinator. deps is the shared article.Deps template;
// each worker gets its own copy with a private decoder Pair.
func New(deps *article.Deps, cfg *config.Config, log *logger.Logger, bus *observer.Bus, persister Persister) *Coordinator {
	if persister == nil {
		persister = NoopPersister{}
	}
	return &Coordinator{
		deps:       deps,
		cfg:        cfg,
		log:        log,
		bus:        bus,
		persister:  persister,
		speed:      NewSpeedMeter(),
		perFileCap: 4,
	}
}

// Lock / Unlock give editors and observers explicit external locking for
// snapshotting the queue. They must never be held across I/O.
func (c *Coordinator) Lock()   { c.mu.Lock() }
func (c *Coordinator) Unlock() { c.mu.Unlock() }

// Enqueue appends a bundle. Articles with an empty message id are given a
// generated k-sortable one; non-empty ids are kept as they are, even when
// they match an id in an already-queued bundle.
func (c *Coordinator) Enqueue(nzb *domain.NzbInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range nzb.Files {
		for _, a := range f.Articles {
			if a.MessageID == "" {
				a.MessageID = ksuid.New().String()
			}
		}
	}
	c.nzbs = append(c.nzbs, nzb)
	c.bus.Publish(observer.Event{Kind: observer.QueueAdded, Subject: nzb})

	if nzb.Complete() {
		// Zero-file bundle: no article will ever complete to drive it
		// through onFileComplete, so advance it here instead.
		c.advanceCompletedBundle(nzb)
	}
}

// Snapshot returns a shallow copy of the current bundle list, for
// read-only iteration by the frontend without holding the lock across
// I/O.
func (c *Coordinator) Snapshot() []*domain.NzbInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.NzbInfo, len(c.nzbs))
	copy(out, c.nzbs)
	return out
}

// dispatchTarget is one eligible (file, article) pair chosen under lock.
type dispatchTarget struct {
	nzb  *domain.NzbInfo
	file *domain.FileInfo
	art  *domain.ArticleInfo
}

// NextArticle picks the next eligible article by (priority desc,
// insertion order), skipping paused/deleted bundles and files, and files
// whose activeDownloads already hit the per-file cap. Returns ok=false
// when nothing is currently eligible.
func (c *Coordinator) NextArticle() (dispatchTarget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make([]*domain.NzbInfo, len(c.nzbs))
	copy(candidates, c.nzbs)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	for _, n := range candidates {
		if n.Deleted || n.Paused {
			continue
		}
		for _, f := range n.Files {
			if f.Deleted || f.Paused {
				continue
			}
			if f.ActiveDownloads() >= c.perFileCap {
				continue
			}
			for _, a := range f.Articles {
				if a.State() != domain.ArticleUndefined {
					continue
				}
				if a.SetRunning() {
					return dispatchTarget{nzb: n, file: f, art: a}, true
				}
			}
		}
	}
	return dispatchTarget{}, false
}

// ArticleFinished updates counters for a terminal status and, when the
// owning file has completed, hands it to the post-download pipeline via
// joinFile. status == StatusRetry re-enqueues to the head of the file
// without advancing any counters.
func (c *Coordinator) ArticleFinished(ctx context.Context, a *domain.ArticleInfo, status domain.Status) {
	if status == domain.StatusRetry {
		a.Requeue()
		return
	}

	ok := status == domain.StatusFinished
	if !a.Finish(ok) {
		return
	}

	f := a.File()
	if f == nil {
		return
	}
	if ok {
		f.SuccessSize.Add(a.Size)
	} else {
		f.FailedSize.Add(a.Size)
	}
	c.speed.Add(a.Size)

	if f.Complete() {
		c.onFileComplete(ctx, f)
	}
}

func (c *Coordinator) onFileComplete(ctx context.Context, f *domain.FileInfo) {
	if err := c.join(f); err != nil {
		c.log.Error("join failed for file %s: %v", f.ID, err)
	}
	c.bus.Publish(observer.Event{Kind: observer.FileCompleted, Subject: f})

	if n := f.NZB(); n != nil && n.Complete() {
		c.advanceCompletedBundle(n)
	}
}

// advanceCompletedBundle moves a bundle whose files have all completed
// (or that had none to begin with) into the post-download pipeline, or
// drops it outright when its health falls below the critical threshold.
func (c *Coordinator) advanceCompletedBundle(n *domain.NzbInfo) {
	if n.Health() < c.cfg.CriticalHealth {
		n.Deleted = true
		n.FailReason = "health below critical threshold"
		c.bus.Publish(observer.Event{Kind: observer.QueueRemoved, Subject: n, Detail: n.FailReason})
		return
	}
	n.PostStage = domain.PostVerifyingSources
	c.bus.Publish(observer.Event{Kind: observer.BundleStageChanged, Subject: n, Detail: n.PostStage.String()})
}

// EditAction is one of the queue-editor verbs used by editList.
type EditAction int

const (
	ActionPause EditAction = iota
	ActionResume
	ActionDelete
	ActionMove
)

// EditList applies action to the named bundle ids. offset is only
// meaningful for ActionMove (relative reordering).
func (c *Coordinator) EditList(ids []string, action EditAction, offset int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	switch action {
	case ActionPause:
		for _, n := range c.nzbs {
			if idSet[n.ID] {
				n.Paused = true
			}
		}
	case ActionResume:
		for _, n := range c.nzbs {
			if idSet[n.ID] {
				n.Paused = false
			}
		}
	case ActionDelete:
		for _, n := range c.nzbs {
			if idSet[n.ID] {
				n.Deleted = true
				c.bus.Publish(observer.Event{Kind: observer.QueueRemoved, Subject: n})
			}
		}
	case ActionMove:
		c.move(idSet, offset)
	}
}

func (c *Coordinator) move(idSet map[string]bool, offset int) {
	if offset == 0 {
		return
	}
	for k := 0; k < len(c.nzbs); k++ {
		// Walk against the direction of travel so a bundle that was just
		// moved is not visited (and moved) a second time.
		i := k
		if offset > 0 {
			i = len(c.nzbs) - 1 - k
		}
		if !idSet[c.nzbs[i].ID] {
			continue
		}
		j := i + offset
		if j < 0 || j >= len(c.nzbs) {
			continue
		}
		c.nzbs[i], c.nzbs[j] = c.nzbs[j], c.nzbs[i]
	}
}
