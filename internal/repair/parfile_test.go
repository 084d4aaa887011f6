package repair

import (
	"testing"

	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParBlocksParsesVolumeSuffix(t *testing.T) {
	base, blocks, ok := parBlocks("ubuntu.vol008+008.par2")
	require.True(t, ok)
	assert.Equal(t, "ubuntu", base)
	assert.Equal(t, 8, blocks)
}

func TestParBlocksPlainIndexHasZeroBlocks(t *testing.T) {
	base, blocks, ok := parBlocks("ubuntu.par2")
	require.True(t, ok)
	assert.Equal(t, "ubuntu", base)
	assert.Equal(t, 0, blocks)
}

func TestParBlocksRejectsNonPar2(t *testing.T) {
	_, _, ok := parBlocks("ubuntu.rar")
	assert.False(t, ok)
}

// TestTwoPassSelectionMatchesScenario is the literal scenario named in
// the design: blocksNeeded=10 over available blocks [1,2,4,8,16] must
// pick {8,2}.
func TestTwoPassSelectionMatchesScenario(t *testing.T) {
	candidates := []parCandidate{
		{file: &domain.FileInfo{ID: "f1"}, blocks: 1},
		{file: &domain.FileInfo{ID: "f2"}, blocks: 2},
		{file: &domain.FileInfo{ID: "f4"}, blocks: 4},
		{file: &domain.FileInfo{ID: "f8"}, blocks: 8},
		{file: &domain.FileInfo{ID: "f16"}, blocks: 16},
	}

	chosen := selectUnpause(candidates, 10)

	require.Len(t, chosen, 2)
	assert.Equal(t, "f8", chosen[0].file.ID)
	assert.Equal(t, "f2", chosen[1].file.ID)
}

func TestTwoPassSelectionFallsBackWhenNoExactFit(t *testing.T) {
	// Nothing fits under 3 exactly via pass 1 except the 2-block file;
	// pass 2 must drain the remainder (the 4-block file) even though it
	// overshoots, since nothing smaller remains.
	candidates := []parCandidate{
		{file: &domain.FileInfo{ID: "f2"}, blocks: 2},
		{file: &domain.FileInfo{ID: "f4"}, blocks: 4},
	}

	chosen := selectUnpause(candidates, 3)

	require.Len(t, chosen, 2)
	total := 0
	for _, c := range chosen {
		total += c.blocks
	}
	assert.Equal(t, 6, total, "pass 2 must drain every remaining candidate when pass 1 leaves a remainder")
}

func TestFindCandidatesStrictMatchWins(t *testing.T) {
	n := domain.NewNzbInfo("n1", "bundle", "/tmp")
	strictFile := domain.NewFileInfo(n, "f1", "s", 10)
	strictFile.Filename = "ubuntu.vol008+008.par2"
	strictFile.Paused = true
	n.AddFile(strictFile)

	prefixOnlyFile := domain.NewFileInfo(n, "f2", "s", 10)
	prefixOnlyFile.Filename = "ubuntu-extras.vol016+016.par2"
	prefixOnlyFile.Paused = true
	n.AddFile(prefixOnlyFile)

	got := findCandidates(n, "ubuntu.vol002+002.par2", false)

	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].file.ID)
}

func TestFindCandidatesFallsBackToPrefixWhenStrictNamingDisabled(t *testing.T) {
	n := domain.NewNzbInfo("n1", "bundle", "/tmp")
	f := domain.NewFileInfo(n, "f2", "s", 10)
	f.Filename = "ubuntu-extras.vol016+016.par2"
	f.Paused = true
	n.AddFile(f)

	got := findCandidates(n, "ubuntu.vol002+002.par2", false)
	require.Len(t, got, 1)
	assert.Equal(t, "f2", got[0].file.ID)
}

func TestFindCandidatesStrictNamingDisablesPrefixFallback(t *testing.T) {
	n := domain.NewNzbInfo("n1", "bundle", "/tmp")
	f := domain.NewFileInfo(n, "f2", "s", 10)
	f.Filename = "ubuntu-extras.vol016+016.par2"
	f.Paused = true
	n.AddFile(f)

	got := findCandidates(n, "ubuntu.vol002+002.par2", true)
	assert.Empty(t, got, "strict naming must suppress the prefix fallback scan")
}

func TestFindCandidatesIgnoresNonPausedFiles(t *testing.T) {
	n := domain.NewNzbInfo("n1", "bundle", "/tmp")
	f := domain.NewFileInfo(n, "f1", "s", 10)
	f.Filename = "ubuntu.vol008+008.par2"
	f.Paused = false
	n.AddFile(f)

	got := findCandidates(n, "ubuntu.vol002+002.par2", false)
	assert.Empty(t, got)
}
