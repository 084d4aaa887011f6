package repair

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PleXone2019/nzbcore/internal/domain"
)

// volSuffix matches the standard par2 recovery-volume naming convention:
// <base>.vol<start>+<count>.par2. The block count a volume contributes is
// <count>, not <start>.
var volSuffix = regexp.MustCompile(`(?i)^(.+)\.vol\d+\+(\d+)\.par2$`)

// plainPar2 matches the bare index file, which carries no recovery blocks
// of its own.
var plainPar2 = regexp.MustCompile(`(?i)^(.+)\.par2$`)

// parBlocks reports the base name and recovery-block count a par2 file
// contributes, and whether filename was recognized as a par2 file at all.
func parBlocks(filename string) (base string, blocks int, ok bool) {
	if m := volSuffix.FindStringSubmatch(filename); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return "", 0, false
		}
		return m[1], n, true
	}
	if m := plainPar2.FindStringSubmatch(filename); m != nil {
		return m[1], 0, true
	}
	return "", 0, false
}

// parCandidate is one paused par-file eligible for unpausing.
type parCandidate struct {
	file   *domain.FileInfo
	blocks int
}

// findCandidates runs the three-scan matching precedence against a
// bundle's paused files: strict base-name equality, then a relaxed
// (case-insensitive, trimmed) equality, then — only when strict naming
// is disabled and nothing matched yet — a prefix match. The first scan
// to yield any candidates wins; later scans are not attempted.
func findCandidates(n *domain.NzbInfo, parFilename string, strictNaming bool) []parCandidate {
	wantBase, _, ok := parBlocks(parFilename)
	if !ok {
		return nil
	}

	strict := scanCandidates(n, func(base string) bool { return base == wantBase })
	if len(strict) > 0 {
		return strict
	}

	wantRelaxed := strings.ToLower(strings.TrimSpace(wantBase))
	relaxed := scanCandidates(n, func(base string) bool {
		return strings.ToLower(strings.TrimSpace(base)) == wantRelaxed
	})
	if len(relaxed) > 0 {
		return relaxed
	}

	if strictNaming {
		return nil
	}
	return scanCandidates(n, func(base string) bool {
		return strings.HasPrefix(wantRelaxed, strings.ToLower(strings.TrimSpace(base))) ||
			strings.HasPrefix(strings.ToLower(strings.TrimSpace(base)), wantRelaxed)
	})
}

func scanCandidates(n *domain.NzbInfo, match func(base string) bool) []parCandidate {
	var out []parCandidate
	for _, f := range n.Files {
		if !f.Paused || f.Deleted {
			continue
		}
		base, blocks, ok := parBlocks(f.Filename)
		if !ok || !match(base) {
			continue
		}
		out = append(out, parCandidate{file: f, blocks: blocks})
	}
	return out
}

// selectUnpause runs the two-pass algorithm from RequestMorePars over
// candidates, returning the subset to unpause for blocksNeeded. Pass 1
// repeatedly takes the largest candidate whose block count still fits
// the remaining need, ties broken by largest; pass 2 (entered only if
// pass 1 left a remainder) drains whatever remains in descending
// block-count order regardless of fit.
func selectUnpause(candidates []parCandidate, blocksNeeded int) []parCandidate {
	remaining := append([]parCandidate(nil), candidates...)
	sort.SliceStable(remaining, func(i, j int) bool { return remaining[i].blocks > remaining[j].blocks })

	var chosen []parCandidate
	need := blocksNeeded

	for need > 0 {
		idx := -1
		for i, c := range remaining {
			if c.blocks <= need {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		chosen = append(chosen, remaining[idx])
		need -= remaining[idx].blocks
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}

	if need > 0 {
		chosen = append(chosen, remaining...)
	}
	return chosen
}
