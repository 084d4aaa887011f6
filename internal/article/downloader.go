// Package article drives one article end-to-end: the retry/failover
// state machine described in the design (Run), and the NNTP session that
// fetches and decodes a single attempt (download). ArticleDownloader is
// deliberately a plain function over (Connection, Article, Observer)
// rather than a type with its own goroutine — the worker task that calls
// it owns the goroutine.
package article

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/PleXone2019/nzbcore/internal/config"
	"github.com/PleXone2019/nzbcore/internal/connection"
	"github.com/PleXone2019/nzbcore/internal/decoder"
	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/PleXone2019/nzbcore/internal/logger"
	"github.com/PleXone2019/nzbcore/internal/observer"
	"github.com/PleXone2019/nzbcore/internal/output"
	"github.com/PleXone2019/nzbcore/internal/server"
	"golang.org/x/time/rate"
)

// Deps bundles the collaborators one article attempt needs. It is built
// once by the caller and handed to the QueueCoordinator, which gives each
// worker its own copy with a private decoder Pair.
type Deps struct {
	Pool     *server.Pool
	Config   *config.Config
	Logger   *logger.Logger
	Bus      *observer.Bus
	Writer   *output.Writer
	Limiter  *rate.Limiter // nil when DownloadRate == 0
	Decoders *Pair         // reusable yEnc/UU decoder instances for this worker
}

// Pair holds one reusable instance of each decoder kind so a worker does
// not allocate a fresh decoder per article.
type Pair struct {
	Yenc decoder.Decoder
	UU   decoder.Decoder
}

func NewPair() *Pair {
	return &Pair{Yenc: decoder.NewYenc(), UU: decoder.NewUU()}
}

// Run is the per-article retry/failover state machine from the design.
func Run(ctx context.Context, d *Deps, a *domain.ArticleInfo, f *domain.FileInfo) domain.Status {
	if d.Config.ContinuePartial && a.ResultFile != "" {
		if _, err := os.Stat(a.ResultFile); err == nil {
			return domain.StatusFinished
		}
	}

	failedServers := map[string]bool{}
	level := 0
	wantServer := ""
	retriesLeft := maxInt(1, d.Config.Retries)

	var status domain.Status

	for {
		lease, err := d.Pool.GetConnection(ctx, level, wantServer, failedServers)
		if err != nil {
			status = domain.StatusRetry
			break
		}

		if ctx.Err() != nil {
			d.Pool.FreeConnection(lease, false)
			status = domain.StatusRetry
			break
		}

		lastServer := lease.Server
		connected := lease.Conn.State() == connection.Connected || lease.Conn.Connect() == nil

		if connected && ctx.Err() == nil {
			status = runAttempt(ctx, d, lease.Conn, lastServer, a, f)
		} else {
			status = domain.StatusConnectError
		}

		if connected {
			if status == domain.StatusConnectError {
				d.Pool.FreeConnection(lease, false)
				connected = false
				status = domain.StatusFailed
			} else {
				keep := status == domain.StatusFinished || status == domain.StatusNotFound
				d.Pool.FreeConnection(lease, keep)
			}
		} else {
			d.Pool.FreeConnection(lease, false)
		}

		if d.Logger != nil && status != domain.StatusFinished {
			logAttempt := d.Logger.Warn
			if lease.Conn.SuppressErrors {
				logAttempt = d.Logger.Debug
			}
			logAttempt("article %s attempt against %s: %s", a.MessageID, lastServer.ID, status.String())
		}

		if status.Terminal() {
			break
		}

		wantServer = ""
		if connected && status == domain.StatusFailed {
			retriesLeft--
		}
		if !connected || (status == domain.StatusFailed && retriesLeft > 0) {
			wantServer = lastServer.ID
		}
		if status == domain.StatusNotFound || status == domain.StatusCrcError ||
			(status == domain.StatusFailed && retriesLeft <= 0) {
			failedServers[lastServer.ID] = true
		}

		if wantServer == "" {
			if d.Pool.AllBurnedAtLevel(level, failedServers) {
				if level < d.Pool.MaxLevel() {
					level++
					retriesLeft = maxInt(1, d.Config.Retries)
				} else {
					status = domain.StatusFailed
					break
				}
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(d.Config.RetryInterval):
		}
		if ctx.Err() != nil {
			status = domain.StatusRetry
			break
		}
	}

	publish(d, a, status)
	return status
}

func publish(d *Deps, a *domain.ArticleInfo, status domain.Status) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(observer.Event{
		Kind:    observer.ArticleTransition,
		Subject: a,
		Detail:  status.String(),
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runAttempt drives download while a watcher goroutine observes ctx: if
// the context is cancelled mid-attempt (for instance half-way through a
// body read, which conn.ReadLine has no context awareness of on its
// own), the watcher marks the connection's errors as expected and calls
// Cancel to unblock the read promptly, per the cancellation requirement
// in the design.
func runAttempt(ctx context.Context, d *Deps, conn *connection.Connection, srv *domain.NewsServer, a *domain.ArticleInfo, f *domain.FileInfo) domain.Status {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SuppressErrors = true
			conn.Cancel()
		case <-done:
		}
	}()
	defer close(done)

	return download(ctx, d, conn, srv, a, f)
}

// download drives one NNTP session attempt against an already-connected
// lease: join group, fetch the article, stream-decode the body, verify,
// and write the result.
func download(ctx context.Context, d *Deps, conn *connection.Connection, srv *domain.NewsServer, a *domain.ArticleInfo, f *domain.FileInfo) domain.Status {
	if srv.JoinGroup && len(f.Groups) > 0 {
		joined := false
		for _, g := range f.Groups {
			line, err := conn.JoinGroup(g)
			if err == nil && connection.ResponseCode(line)/100 == 2 {
				joined = true
				break
			}
		}
		if !joined {
			return domain.StatusFailed
		}
	}

	msgID := a.MessageID
	if !strings.HasPrefix(msgID, "<") {
		msgID = "<" + msgID + ">"
	}

	var line string
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		line, err = conn.Request("ARTICLE " + msgID)
		if err == nil && connection.ResponseCode(line)/100 == 2 {
			break
		}
	}
	if err != nil {
		return domain.StatusConnectError
	}

	code := connection.ResponseCode(line)
	switch {
	case code/100 == 2:
		// proceed
	case code == 400 || code == 499:
		return domain.StatusConnectError
	case code/10 == 41 || code/10 == 42 || code/10 == 43:
		return domain.StatusNotFound
	default:
		return domain.StatusFailed
	}

	return readArticle(ctx, d, conn, msgID, a, f)
}

func readArticle(ctx context.Context, d *Deps, conn *connection.Connection, wantMsgID string, a *domain.ArticleInfo, f *domain.FileInfo) domain.Status {
	inHeader := true
	var dec decoder.Decoder
	var directPath string
	var buf []byte
	var sink writerSink
	var decodedSoFar int64

	for {
		line, n, err := conn.ReadLine(0)
		if err != nil {
			if ctx.Err() != nil {
				return domain.StatusRetry
			}
			return domain.StatusFailed
		}

		if d.Limiter != nil {
			if n > d.Limiter.Burst() {
				n = d.Limiter.Burst()
			}
			if err := d.Limiter.WaitN(ctx, n); err != nil {
				return domain.StatusRetry
			}
		}

		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if inHeader {
			if line == "" {
				inHeader = false
				continue
			}
			if strings.HasPrefix(strings.ToLower(line), "message-id:") {
				got := strings.TrimSpace(line[len("message-id:"):])
				if got != wantMsgID {
					return domain.StatusFailed
				}
			}
			continue
		}

		if dec == nil {
			format := decoder.DetectFormat([]byte(line))
			switch format {
			case decoder.FormatYenc:
				dec = d.Decoders.Yenc
			case decoder.FormatUU:
				dec = d.Decoders.UU
			default:
				return domain.StatusFailed
			}
			dec.Reset()

			if d.Config.DirectWrite && format == decoder.FormatYenc {
				directPath = f.DirectWriteName
				if directPath == "" {
					directPath = defaultDirectPath(d, f)
				}
			}
		}

		sink.n = 0
		if directPath != "" {
			if err := dec.Write([]byte(line), &sink); err != nil {
				return domain.StatusFatalError
			}
			if sink.n > 0 {
				if err := d.Writer.EnsureDirectWriteFile(f, directPath); err != nil {
					return domain.StatusFatalError
				}
				if err := d.Writer.WriteAt(directPath, dec.PartOffset()+decodedSoFar, sink.buf[:sink.n]); err != nil {
					return domain.StatusFatalError
				}
				decodedSoFar += int64(sink.n)
			}
		} else {
			if err := dec.Write([]byte(line), &sink); err != nil {
				return domain.StatusFatalError
			}
			buf = append(buf, sink.buf[:sink.n]...)
		}
	}

	if dec == nil {
		return domain.StatusFailed
	}

	switch dec.Check() {
	case decoder.Finished:
		if directPath == "" {
			path := d.Writer.TempPathForArticle(a)
			if err := d.Writer.WriteTemp(path, buf); err != nil {
				return domain.StatusFatalError
			}
			a.ResultFile = path
		} else {
			a.ResultFile = directPath
		}
		return domain.StatusFinished
	case decoder.CrcError:
		return domain.StatusCrcError
	default:
		return domain.StatusFailed
	}
}

func defaultDirectPath(d *Deps, f *domain.FileInfo) string {
	name := f.Filename
	if name == "" {
		name = f.ID
	}
	return d.Config.TempDir + "/" + f.NZB().ID + "/" + name
}

// writerSink is a minimal io.Writer accumulating the bytes a single
// decoder.Write call produced, so the caller can seek-write them without
// an intermediate bytes.Buffer allocation per line. Reused across lines
// within one article; callers reset n to 0 before each Write.
type writerSink struct {
	buf [8192]byte
	n   int
}

func (s *writerSink) Write(p []byte) (int, error) {
	n := copy(s.buf[s.n:], p)
	s.n += n
	return n, nil
}
