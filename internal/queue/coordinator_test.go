package queue

import (
	"context"
	"testing"

	"github.com/PleXone2019/nzbcore/internal/article"
	"github.com/PleXone2019/nzbcore/internal/config"
	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/PleXone2019/nzbcore/internal/logger"
	"github.com/PleXone2019/nzbcore/internal/observer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := &config.Config{CriticalHealth: 0.5, Decode: true, RenameBroken: false, CreateBrokenLog: false}
	log, err := logger.New(t.TempDir()+"/test.log", logger.LevelInfo, false)
	require.NoError(t, err)
	return New(&article.Deps{Config: cfg}, cfg, log, observer.New(), nil)
}

func TestZeroFileBundleCompletesImmediately(t *testing.T) {
	n := domain.NewNzbInfo("n1", "empty", t.TempDir())
	assert.True(t, n.Complete())
	assert.Equal(t, int64(0), func() int64 {
		var s int64
		for _, f := range n.Files {
			s += f.SuccessSize.Load()
		}
		return s
	}())
}

func TestEnqueueAdvancesZeroFileBundleToVerifyingSources(t *testing.T) {
	c := newTestCoordinator(t)
	events := c.bus.Subscribe()

	n := domain.NewNzbInfo("n1", "empty", t.TempDir())
	c.Enqueue(n)

	var sawStageChange bool
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			if e.Kind == observer.BundleStageChanged {
				sawStageChange = true
			}
		default:
		}
	}
	assert.True(t, sawStageChange, "zero-file bundle must advance to VerifyingSources at enqueue time, not only satisfy Complete() in isolation")
	assert.Equal(t, domain.PostVerifyingSources, n.PostStage)
}

func TestDuplicateCompletionDoesNotDoubleCountSuccessSize(t *testing.T) {
	c := newTestCoordinator(t)
	n := domain.NewNzbInfo("n1", "bundle", t.TempDir())
	f := domain.NewFileInfo(n, "f1", "s", 1024)
	n.AddFile(f)
	a := domain.NewArticleInfo(f, 1, "m1", 1024)
	f.AddArticle(a)
	a.SetRunning()

	c.ArticleFinished(context.Background(), a, domain.StatusFinished)
	assert.Equal(t, int64(1024), f.SuccessSize.Load())

	// Simulate a duplicate completion callback for the same article.
	c.ArticleFinished(context.Background(), a, domain.StatusFinished)
	assert.Equal(t, int64(1024), f.SuccessSize.Load(), "finishing the same article twice must not change counters a second time")
}

func TestFileSizeInvariantAfterAllArticlesTerminate(t *testing.T) {
	c := newTestCoordinator(t)
	n := domain.NewNzbInfo("n1", "bundle", t.TempDir())
	f := domain.NewFileInfo(n, "f1", "s", 300)
	n.AddFile(f)

	a1 := domain.NewArticleInfo(f, 1, "m1", 100)
	a2 := domain.NewArticleInfo(f, 2, "m2", 200)
	f.AddArticle(a1)
	f.AddArticle(a2)
	a1.SetRunning()
	a2.SetRunning()

	c.ArticleFinished(context.Background(), a1, domain.StatusFinished)
	c.ArticleFinished(context.Background(), a2, domain.StatusFailed)

	assert.Equal(t, f.Size, f.SuccessSize.Load()+f.FailedSize.Load())
}

func TestAllNotFoundLeavesFailedSizeEqualToSize(t *testing.T) {
	c := newTestCoordinator(t)
	n := domain.NewNzbInfo("n1", "bundle", t.TempDir())
	f := domain.NewFileInfo(n, "f1", "s", 500)
	n.AddFile(f)
	a := domain.NewArticleInfo(f, 1, "m1", 500)
	f.AddArticle(a)
	a.SetRunning()

	c.ArticleFinished(context.Background(), a, domain.StatusNotFound)

	assert.Equal(t, int64(0), f.SuccessSize.Load())
	assert.Equal(t, f.Size, f.FailedSize.Load())
}
