// Package repair drives a bundle's post-download recovery: unpausing
// additional par2 volumes on demand and running the verify/repair pass
// once they arrive.
package repair

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/PleXone2019/nzbcore/internal/logger"
	"github.com/PleXone2019/nzbcore/internal/observer"
)

// Repairer verifies and fixes an assembled bundle directory using
// whatever parity volumes are present. Implementations shell out to an
// external tool; the coordinator only needs the pass/fail and
// needs-more-blocks signal.
type Repairer interface {
	// Verify reports whether path is already healthy. When it is not,
	// blocksNeeded estimates how many additional recovery blocks would
	// make a repair possible; 0 means no more blocks are requested and the
	// repair is attempted with what is already present.
	Verify(path string) (healthy bool, blocksNeeded int, err error)
	Repair(path string) error
}

// CLIPar2 shells out to the system par2 binary.
type CLIPar2 struct {
	BinaryPath string
}

func NewCLIPar2() *CLIPar2 {
	return &CLIPar2{BinaryPath: "par2"}
}

func (c *CLIPar2) Verify(path string) (bool, int, error) {
	cmd := exec.Command(c.BinaryPath, "v", "-q", path)
	err := cmd.Run()
	if err == nil {
		return true, 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		// par2 reports damage. No block count is parsed from its output,
		// so any exit-1 is reported as needing one more block, and the
		// coordinator requests exactly that one block.
		return false, 1, nil
	}
	return false, 0, err
}

func (c *CLIPar2) Repair(path string) error {
	cmd := exec.Command(c.BinaryPath, "r", path)
	return cmd.Run()
}

// bundleSource is the narrow view the coordinator needs of the queue;
// satisfied by *queue.Coordinator without an import-cycle dependency.
type bundleSource interface {
	Snapshot() []*domain.NzbInfo
}

// Coordinator is the ParCoordinator: it answers requestMoreBlocks calls
// from the repair engine and drives a bundle through its post-download
// state machine.
type Coordinator struct {
	mu sync.Mutex

	queue    bundleSource
	repairer Repairer
	log      *logger.Logger
	bus      *observer.Bus

	strictNaming bool

	// cond is signaled whenever a requestMoreBlocks unpauses at least one
	// file, so a blocked verification retry can wake up.
	cond *sync.Cond
}

func New(queue bundleSource, repairer Repairer, log *logger.Logger, bus *observer.Bus, strictNaming bool) *Coordinator {
	c := &Coordinator{
		queue:        queue,
		repairer:     repairer,
		log:          log,
		bus:          bus,
		strictNaming: strictNaming,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// RequestMoreBlocks is the callback the repair engine calls when it finds
// a bundle short of recovery data. It enumerates paused par-files in the
// named bundle matching parFilename's base name, unpauses enough of them
// (by the two-pass selection algorithm) to cover blocksNeeded, and
// returns how many blocks it actually found.
func (c *Coordinator) RequestMoreBlocks(nzbID, parFilename string, blocksNeeded int) int {
	n := c.findBundle(nzbID)
	if n == nil {
		return 0
	}

	candidates := findCandidates(n, parFilename, c.strictNaming)
	if len(candidates) == 0 {
		return 0
	}

	chosen := selectUnpause(candidates, blocksNeeded)
	found := 0
	for _, cand := range chosen {
		cand.file.Paused = false
		found += cand.blocks
		if c.bus != nil {
			c.bus.Publish(observer.Event{Kind: observer.FileDeleted, Subject: cand.file, Detail: "unpaused for repair"})
		}
	}

	if found > 0 {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
	return found
}

func (c *Coordinator) findBundle(nzbID string) *domain.NzbInfo {
	for _, n := range c.queue.Snapshot() {
		if n.ID == nzbID {
			return n
		}
	}
	return nil
}

// Run drives n through its post-download state machine: LoadingPars,
// VerifyingSources, an optional Repairing/VerifyingRepaired round trip
// when the first verify fails, then Finished. Cancellation through ctx
// elevates the bundle straight to Failed with a reason string.
func (c *Coordinator) Run(ctx context.Context, n *domain.NzbInfo, destPath string) {
	c.setStage(n, domain.PostLoadingPars)

	if ctx.Err() != nil {
		c.fail(n, "cancelled during par load")
		return
	}

	c.setStage(n, domain.PostVerifyingSources)
	healthy, blocksNeeded, err := c.repairer.Verify(destPath)
	if err != nil {
		c.fail(n, fmt.Sprintf("verify error: %v", err))
		return
	}
	if healthy {
		c.setStage(n, domain.PostFinished)
		return
	}

	if blocksNeeded > 0 {
		c.awaitMoreBlocks(ctx, n, destPath, blocksNeeded)
	}

	if ctx.Err() != nil {
		c.fail(n, "cancelled during repair")
		return
	}

	c.setStage(n, domain.PostRepairing)
	if err := c.repairer.Repair(destPath); err != nil {
		c.fail(n, fmt.Sprintf("repair failed: %v", err))
		return
	}

	c.setStage(n, domain.PostVerifyingRepaired)
	healthy, _, err = c.repairer.Verify(destPath)
	if err != nil || !healthy {
		c.fail(n, "unrecoverable after repair")
		return
	}

	c.setStage(n, domain.PostFinished)
}

// awaitMoreBlocks asks for blocksNeeded via a par-filename guess (the
// bundle name's main index volume) and waits on cond until the unpause
// broadcast fires or ctx is cancelled.
func (c *Coordinator) awaitMoreBlocks(ctx context.Context, n *domain.NzbInfo, destPath string, blocksNeeded int) {
	found := c.RequestMoreBlocks(n.ID, n.Name+".par2", blocksNeeded)
	if found == 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		c.cond.Wait()
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *Coordinator) setStage(n *domain.NzbInfo, stage domain.PostStage) {
	n.PostStage = stage
	if c.bus != nil {
		c.bus.Publish(observer.Event{Kind: observer.BundleStageChanged, Subject: n, Detail: stage.String()})
	}
	if c.log != nil {
		c.log.Info("bundle %s entered stage %s", n.ID, stage.String())
	}
}

func (c *Coordinator) fail(n *domain.NzbInfo, reason string) {
	n.PostStage = domain.PostFailed
	n.FailReason = reason
	if c.bus != nil {
		c.bus.Publish(observer.Event{Kind: observer.BundleStageChanged, Subject: n, Detail: reason})
	}
	if c.log != nil {
		c.log.Error("bundle %s failed: %s", n.ID, reason)
	}
}
