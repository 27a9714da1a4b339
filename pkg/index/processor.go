// Package index downloads a bucket's remote catalog page by page.
//
// The page cursor (mark) is written in the same critical section as the
// page's objects, so an interrupted run resumes exactly where the last
// committed page ended. A Processor is confined to its bucket's worker.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/simperium/simperium.go/internal/worker"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/wire"
)

type State int

const (
	StateIdle State = iota
	StatePaging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePaging:
		return "Paging"
	default:
		return "InvalidState"
	}
}

// Requester sends an index page request on the bucket's channel.
type Requester interface {
	RequestIndex(ctx context.Context, mark string, limit int) error
}

type RequesterFunc func(ctx context.Context, mark string, limit int) error

func (f RequesterFunc) RequestIndex(ctx context.Context, mark string, limit int) error {
	return f(ctx, mark, limit)
}

// ApplyFunc stores one downloaded entity inside the page's critical section.
type ApplyFunc func(w storage.Writer, e wire.Entity) error

// Result tells the caller what HandlePage did once the section commits.
type Result struct {
	Applied int
	Skipped int
	// Done is set on the last page of a run.
	Done bool
	// Ignored is set for pages that arrive outside a run.
	Ignored bool
}

type Processor struct {
	bucket   string
	req      Requester
	pageSize int
	log      logger.Logger

	state State
	// first is set while the page 1 request of a run is outstanding.
	first bool
	// restart is set when a forced run was requested while paging.
	restart bool
	// forced is set until the first page of a forced run has committed.
	forced  bool
	waiters []*worker.Future
}

func NewProcessor(bucket string, req Requester, pageSize int, log logger.Logger) *Processor {
	if pageSize <= 0 {
		pageSize = constants.DefaultIndexPageSize
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{bucket: bucket, req: req, pageSize: pageSize, log: log}
}

func (p *Processor) State() State {
	return p.state
}

func (p *Processor) Paging() bool {
	return p.state == StatePaging
}

// Start begins a run at mark, or at page 1 when force is set or a forced
// run was interrupted. It is a no-op while paging, except that force makes
// the run restart from page 1 once the in-flight page lands.
func (p *Processor) Start(ctx context.Context, mark string, force bool) error {
	if p.state == StatePaging {
		if force {
			p.restart = true
		}
		return nil
	}
	if force || p.forced {
		mark = ""
		p.forced = true
	}
	p.state = StatePaging
	p.log.Debug("index run started", "bucket", p.bucket, "mark", mark)
	return p.request(ctx, mark)
}

func (p *Processor) request(ctx context.Context, mark string) error {
	p.first = mark == ""
	if err := p.req.RequestIndex(ctx, mark, p.pageSize); err != nil {
		p.state = StateIdle
		return fmt.Errorf("request index page of %s: %w", p.bucket, err)
	}
	return nil
}

// ForceSync starts a run from page 1, or schedules one when a run is in
// progress. The future resolves once, when a run from page 1 completes.
func (p *Processor) ForceSync(ctx context.Context) (*worker.Future, error) {
	f := worker.NewFuture()
	p.waiters = append(p.waiters, f)
	if err := p.Start(ctx, "", true); err != nil {
		return f, err
	}
	return f, nil
}

// HandlePage applies a page inside w and writes the next mark. On the last
// page the mark is cleared and the change version captured at the start of
// the run becomes the bucket's cursor.
func (p *Processor) HandlePage(w storage.Writer, page wire.IndexPage, apply ApplyFunc) (Result, error) {
	if p.state != StatePaging {
		p.log.Debug("ignoring index page outside a run", "bucket", p.bucket)
		return Result{Ignored: true}, nil
	}

	var res Result
	for _, e := range page.Entities {
		if err := apply(w, e); err != nil {
			if errors.Is(err, ErrSkip) {
				res.Skipped++
				continue
			}
			return Result{}, err
		}
		res.Applied++
	}

	if p.first && page.Current != "" {
		if err := w.SetMetadata(p.bucket, constants.MetaIndexCV, []byte(page.Current)); err != nil {
			return Result{}, err
		}
	}

	if p.restart {
		return res, w.SetMetadata(p.bucket, constants.MetaIndexMark, nil)
	}

	if page.Mark != "" {
		return res, w.SetMetadata(p.bucket, constants.MetaIndexMark, []byte(page.Mark))
	}

	res.Done = true
	if err := w.SetMetadata(p.bucket, constants.MetaIndexMark, nil); err != nil {
		return Result{}, err
	}
	cv, err := w.Metadata(p.bucket, constants.MetaIndexCV)
	if err != nil {
		return Result{}, err
	}
	if cv == nil && page.Current != "" {
		cv = []byte(page.Current)
	}
	if cv != nil {
		if err := w.SetMetadata(p.bucket, constants.MetaChangeVersion, cv); err != nil {
			return Result{}, err
		}
	}
	if err := w.SetMetadata(p.bucket, constants.MetaIndexCV, nil); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Advance is called once the section of HandlePage committed. It requests
// the next page, restarts a forced run, or completes the run.
func (p *Processor) Advance(ctx context.Context, page wire.IndexPage, res Result) error {
	if res.Ignored || p.state != StatePaging {
		return nil
	}
	if p.restart {
		p.restart = false
		p.forced = true
		return p.request(ctx, "")
	}
	p.forced = false
	if !res.Done {
		return p.request(ctx, page.Mark)
	}

	p.state = StateIdle
	waiters := p.waiters
	p.waiters = nil
	for _, f := range waiters {
		f.Resolve(nil)
	}
	p.log.Info("index run finished", "bucket", p.bucket)
	return nil
}

// Interrupt stops the run after a disconnection. The durable mark is kept
// and waiting futures resolve when the resumed run completes.
func (p *Processor) Interrupt() {
	if p.state == StatePaging && p.restart {
		p.forced = true
	}
	p.state = StateIdle
	p.restart = false
}

// Cancel stops the run and resolves waiting futures with err.
func (p *Processor) Cancel(err error) {
	p.state = StateIdle
	p.restart = false
	p.forced = false
	waiters := p.waiters
	p.waiters = nil
	for _, f := range waiters {
		f.Resolve(err)
	}
}

// Pending reports whether futures wait for a run, so a bucket reconnecting
// mid-run knows to resume paging.
func (p *Processor) Pending() bool {
	return len(p.waiters) > 0 || p.forced
}

// ErrSkip is returned by an ApplyFunc for an entity left alone because the
// local ghost is already current.
var ErrSkip = errors.New("entity is current")
