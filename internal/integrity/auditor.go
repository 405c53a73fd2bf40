// Package integrity reconciles the local mirror and its ledger against the
// remote snapshot and repairs any drift it finds.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"contentsync/internal/contextutil"
	"contentsync/internal/download"
	"contentsync/internal/ledger"
	"contentsync/internal/model"
)

// StageName identifies this stage in results and metrics.
const StageName = "integrity"

// Category classifies a discrepancy. Every discrepancy has exactly one.
type Category string

const (
	MissingInLedger Category = "MISSING_IN_LEDGER"
	MissingOnDisk   Category = "MISSING_ON_DISK"
	OrphanOnDisk    Category = "ORPHAN_ON_DISK"
	WrongPath       Category = "WRONG_PATH"
)

// Categories lists every category in report order.
var Categories = []Category{MissingInLedger, MissingOnDisk, OrphanOnDisk, WrongPath}

// Discrepancy is one disagreement between the remote snapshot, the local
// ledger and the disk.
type Discrepancy struct {
	Category     Category `json:"category"`
	RemoteID     string   `json:"remote_id,omitempty"`
	Path         string   `json:"path,omitempty"`          // Where the file or ledger row currently points
	ExpectedPath string   `json:"expected_path,omitempty"` // Where it belongs

	item   model.RemoteItem
	record *model.LocalFileRecord
	onDisk bool
}

// Report summarizes an audit.
type Report struct {
	Verified      int           `json:"verified"`
	Pending       int           `json:"pending"` // Failed rows left for the next sync
	Dropped       int           `json:"dropped"` // Ledger rows for items no longer expected
	Discrepancies []Discrepancy `json:"discrepancies"`
	Corrected     int           `json:"corrected"`
	Deferred      int           `json:"deferred"`
}

// Counts returns the number of discrepancies per category.
func (r Report) Counts() map[Category]int {
	counts := make(map[Category]int, len(Categories))
	for _, d := range r.Discrepancies {
		counts[d.Category]++
	}
	return counts
}

// Summary renders the single line logged at the end of an audit.
func (r Report) Summary() string {
	if len(r.Discrepancies) == 0 {
		return fmt.Sprintf("%d verified, no discrepancies", r.Verified)
	}
	counts := r.Counts()
	parts := make([]string, 0, len(Categories))
	for _, c := range Categories {
		if counts[c] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", c, counts[c]))
		}
	}
	return fmt.Sprintf("%d verified, %d discrepancies (%s), %d corrected, %d deferred",
		r.Verified, len(r.Discrepancies), strings.Join(parts, " "), r.Corrected, r.Deferred)
}

// StageResult converts the report to the common stage summary.
func (r Report) StageResult() model.StageResult {
	res := model.NewStageResult(StageName)
	res.Processed = r.Verified + r.Corrected
	res.Skipped = r.Pending
	res.Failed = r.Deferred
	for c, n := range r.Counts() {
		res.Add(string(c), n)
	}
	if r.Dropped > 0 {
		res.Add("dropped", r.Dropped)
	}
	return res
}

// Fetcher re-downloads a single item. download.Executor implements it.
type Fetcher interface {
	Fetch(ctx context.Context, item model.RemoteItem, prev *model.LocalFileRecord) (model.LocalFileRecord, error)
}

// Options configures an Auditor.
type Options struct {
	Root       string
	Extensions []string
	Logger     *slog.Logger
}

// Auditor compares expected paths (from the remote ledger) with actual paths
// (from the local ledger and a directory scan).
type Auditor struct {
	ledgers *ledger.Store
	fetcher Fetcher
	root    string
	filter  *download.Filter
	logger  *slog.Logger
}

// NewAuditor creates a new integrity auditor.
func NewAuditor(ledgers *ledger.Store, fetcher Fetcher, opts Options) *Auditor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Auditor{
		ledgers: ledgers,
		fetcher: fetcher,
		root:    opts.Root,
		filter:  download.NewFilter(opts.Extensions),
		logger:  opts.Logger.With("component", "integrity"),
	}
}

type plan struct {
	report Report
	ledger map[string]model.LocalFileRecord
}

// Scan classifies every discrepancy without correcting anything.
func (a *Auditor) Scan(ctx context.Context) (Report, error) {
	p, err := a.plan(ctx)
	if err != nil {
		return Report{}, err
	}
	return p.report, nil
}

// Audit scans and then corrects: missing items are re-fetched, orphans
// deleted and misplaced files moved. The corrected ledger is persisted even
// when the audit stops early at a checkpoint.
func (a *Auditor) Audit(ctx context.Context, cp model.Checkpointer) (Report, error) {
	logger := contextutil.LoggerOr(ctx, a.logger)
	if cp == nil {
		cp = model.NoCheckpoint
	}

	p, err := a.plan(ctx)
	if err != nil {
		return Report{}, err
	}

	runErr := a.correct(ctx, p, cp)

	if err := ledger.Rewrite(a.ledgers, ledger.Local, sortedRecords(p.ledger)); err != nil {
		return p.report, model.Setup(StageName, fmt.Errorf("failed to persist corrected ledger: %w", err))
	}
	logger.InfoContext(ctx, p.report.Summary())
	return p.report, runErr
}

func (a *Auditor) plan(ctx context.Context) (*plan, error) {
	logger := contextutil.LoggerOr(ctx, a.logger)

	remoteItems, err := ledger.ReadAll(a.ledgers, ledger.Remote)
	if err != nil {
		return nil, model.Setup(StageName, fmt.Errorf("failed to read remote ledger: %w", err))
	}
	local, rebuilt, err := ledger.Load(a.ledgers, ledger.Local)
	if err != nil {
		return nil, model.Setup(StageName, err)
	}
	if rebuilt {
		logger.WarnContext(ctx, "local ledger unreadable, auditing against an empty ledger")
	}

	disk, err := a.scanDisk()
	if err != nil {
		return nil, model.Setup(StageName, err)
	}

	p := &plan{ledger: make(map[string]model.LocalFileRecord, len(local))}
	for _, rec := range local {
		p.ledger[rec.RemoteID] = rec
	}

	expected := make(map[string]model.RemoteItem, len(remoteItems))
	for _, item := range remoteItems {
		if a.filter.Accepts(item.DisplayName) {
			expected[item.RemoteID] = item
		}
	}

	for id := range p.ledger {
		if _, ok := expected[id]; !ok {
			delete(p.ledger, id)
			p.report.Dropped++
			logger.DebugContext(ctx, "dropping ledger row for item no longer expected", "remote_id", id)
		}
	}

	claimed := make(map[string]bool, len(expected))
	owners := make(map[string]string, len(expected))
	ids := make([]string, 0, len(expected))
	for id, item := range expected {
		ids = append(ids, id)
		owners[model.ExpectedRelPath(item)] = id
	}
	slices.Sort(ids)

	// heldByOther reports whether rel is the expected path of another item
	// whose own row points there and whose file is present.
	heldByOther := func(id, rel string) bool {
		other, ok := owners[rel]
		if !ok || other == id {
			return false
		}
		row, ok := p.ledger[other]
		return ok && row.LocalRelativePath == rel && disk[rel]
	}

	for _, id := range ids {
		item := expected[id]
		want := model.ExpectedRelPath(item)
		rec, ok := p.ledger[id]

		switch {
		case !ok:
			claimed[want] = true
			p.add(Discrepancy{Category: MissingInLedger, RemoteID: id, ExpectedPath: want, item: item})

		case !rec.Present():
			// A failed row is not drift; the next sync retries it.
			p.report.Pending++

		case rec.LocalRelativePath == want && disk[want]:
			claimed[want] = true
			p.report.Verified++

		case disk[rec.LocalRelativePath] && !heldByOther(id, rec.LocalRelativePath):
			claimed[want] = true
			claimed[rec.LocalRelativePath] = true
			p.add(Discrepancy{Category: WrongPath, RemoteID: id, Path: rec.LocalRelativePath, ExpectedPath: want,
				item: item, record: &rec, onDisk: true})

		case disk[want]:
			claimed[want] = true
			p.add(Discrepancy{Category: WrongPath, RemoteID: id, Path: rec.LocalRelativePath, ExpectedPath: want,
				item: item, record: &rec})

		default:
			claimed[want] = true
			prev := rec
			if heldByOther(id, rec.LocalRelativePath) {
				// The file there is another item's content; never delete it.
				prev.LocalRelativePath = ""
			}
			p.add(Discrepancy{Category: MissingOnDisk, RemoteID: id, Path: rec.LocalRelativePath, ExpectedPath: want,
				item: item, record: &prev})
		}
	}

	orphans := make([]string, 0)
	for rel := range disk {
		if !claimed[rel] {
			orphans = append(orphans, rel)
		}
	}
	slices.Sort(orphans)
	for _, rel := range orphans {
		p.add(Discrepancy{Category: OrphanOnDisk, Path: rel, onDisk: true})
	}
	return p, nil
}

func (p *plan) add(d Discrepancy) {
	p.report.Discrepancies = append(p.report.Discrepancies, d)
}

// correct applies the plan. Orphans go first so a move never lands next to a
// file that is about to disappear anyway.
func (a *Auditor) correct(ctx context.Context, p *plan, cp model.Checkpointer) error {
	logger := contextutil.LoggerOr(ctx, a.logger)

	order := func(c Category) int {
		switch c {
		case OrphanOnDisk:
			return 0
		case WrongPath:
			return 1
		default:
			return 2
		}
	}
	work := slices.Clone(p.report.Discrepancies)
	slices.SortStableFunc(work, func(x, y Discrepancy) int { return order(x.Category) - order(y.Category) })

	for _, d := range work {
		if err := cp.Checkpoint(ctx); err != nil {
			return err
		}

		switch d.Category {
		case OrphanOnDisk:
			if err := a.remove(d.Path); err != nil {
				logger.WarnContext(ctx, "failed to delete orphan", "path", d.Path, "error", err)
				p.report.Deferred++
				continue
			}
			logger.InfoContext(ctx, "deleted orphan", "path", d.Path)

		case WrongPath:
			rec := *d.record
			if d.onDisk {
				if err := a.move(d.Path, d.ExpectedPath); err != nil {
					logger.WarnContext(ctx, "failed to move misplaced file", "from", d.Path, "to", d.ExpectedPath, "error", err)
					p.report.Deferred++
					continue
				}
				logger.InfoContext(ctx, "moved misplaced file", "remote_id", d.RemoteID, "from", d.Path, "to", d.ExpectedPath)
			} else {
				logger.InfoContext(ctx, "ledger path corrected", "remote_id", d.RemoteID, "from", d.Path, "to", d.ExpectedPath)
			}
			rec.LocalRelativePath = d.ExpectedPath
			rec.DisplayName = d.item.DisplayName
			rec.LocationPath = d.item.LocationPath
			p.ledger[d.RemoteID] = rec

		case MissingInLedger, MissingOnDisk:
			rec, err := a.fetcher.Fetch(ctx, d.item, d.record)
			p.ledger[d.RemoteID] = rec
			if err != nil {
				logger.WarnContext(ctx, "re-fetch failed, deferring to next run",
					"remote_id", d.RemoteID, "category", d.Category, "error", err)
				p.report.Deferred++
				continue
			}
			logger.InfoContext(ctx, "re-fetched missing item", "remote_id", d.RemoteID, "category", d.Category, "path", rec.LocalRelativePath)
		}
		p.report.Corrected++
	}
	return nil
}

// scanDisk returns the slash-separated relative paths of regular files under
// the mirror root, ignoring in-flight downloads.
func (a *Auditor) scanDisk() (map[string]bool, error) {
	files := make(map[string]bool)
	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == a.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || download.IsPartial(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan mirror: %w", err)
	}
	return files, nil
}

func (a *Auditor) abs(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

func (a *Auditor) remove(rel string) error {
	if err := os.Remove(a.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	a.pruneEmptyDirs(rel)
	return nil
}

func (a *Auditor) move(from, to string) error {
	dest := a.abs(to)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.Rename(a.abs(from), dest); err != nil {
		return err
	}
	a.pruneEmptyDirs(from)
	return nil
}

// pruneEmptyDirs removes now-empty parents of rel up to the mirror root.
func (a *Auditor) pruneEmptyDirs(rel string) {
	dir := filepath.Dir(a.abs(rel))
	root := filepath.Clean(a.root)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func sortedRecords(m map[string]model.LocalFileRecord) []model.LocalFileRecord {
	out := make([]model.LocalFileRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b model.LocalFileRecord) int { return strings.Compare(a.RemoteID, b.RemoteID) })
	return out
}
