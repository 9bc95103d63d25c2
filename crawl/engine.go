// Package crawl runs the four-phase extraction: areas (groups and projects),
// users, per-area resources, and repository data. Every page is written to
// the sink before its cursor advances, so an interrupted run resumes without
// losing records.
package crawl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/semaphore"

	"github.com/copima/copima/core"
	"github.com/copima/copima/resume"
	"github.com/copima/copima/transport"
)

const defaultFetchAttempts = 3

// Callback transforms a record before it reaches the sink. Returning false
// drops the record. A callback error fails the surrounding entity, not the
// whole crawl.
type Callback func(ctx core.CallbackContext, record core.Record) (core.Record, bool, error)

// Area is one group or project discovered during the areas phase.
type Area struct {
	FullPath string
	IsGroup  bool
}

// Engine drives the crawl for one host and account.
type Engine struct {
	client  *transport.Client
	sink    core.RecordSink
	resume  *resume.Manager
	logger  core.Logger
	metrics core.MetricsRecorder
	backoff core.BackoffScheduler

	host           string
	accountID      string
	maxConcurrency int64
	callback       Callback

	mu    sync.Mutex
	areas []Area
	seen  map[string]bool
}

type Option func(*Engine)

func WithLogger(logger core.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

func WithCallback(callback Callback) Option {
	return func(e *Engine) {
		e.callback = callback
	}
}

func WithMaxConcurrency(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.maxConcurrency = int64(limit)
		}
	}
}

func WithBackoff(backoff core.BackoffScheduler) Option {
	return func(e *Engine) {
		if backoff != nil {
			e.backoff = backoff
		}
	}
}

func NewEngine(client *transport.Client, sink core.RecordSink, checkpoints *resume.Manager, host, accountID string, options ...Option) (*Engine, error) {
	if client == nil {
		return nil, core.NewError("crawl: transport client is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	if sink == nil {
		return nil, core.NewError("crawl: record sink is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	if checkpoints == nil {
		return nil, core.NewError("crawl: resume manager is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	engine := &Engine{
		client:         client,
		sink:           sink,
		resume:         checkpoints,
		logger:         glog.Nop(),
		metrics:        core.NopMetricsRecorder{},
		backoff:        core.ExponentialBackoffScheduler{Initial: time.Second},
		host:           strings.TrimSpace(host),
		accountID:      strings.TrimSpace(accountID),
		maxConcurrency: 4,
		seen:           map[string]bool{},
	}
	for _, option := range options {
		option(engine)
	}
	return engine, nil
}

// Run executes the requested phases in canonical order. A phase already
// marked complete in the resume state is skipped. Entity-level failures are
// recorded and reported; only transport-fatal errors abort the run.
func (e *Engine) Run(ctx context.Context, phases []core.Phase) error {
	if e == nil {
		return core.NewError("crawl: engine is nil", goerrors.CategoryInternal, core.ErrorInternal)
	}
	requested := map[core.Phase]bool{}
	for _, phase := range phases {
		requested[phase] = true
	}
	if len(requested) == 0 {
		for _, phase := range core.PhaseOrder() {
			requested[phase] = true
		}
	}

	for _, phase := range core.PhaseOrder() {
		if !requested[phase] {
			continue
		}
		if e.resume.PhaseCompleted(phase) {
			e.logger.Info("phase already complete, skipping", "phase", string(phase))
			continue
		}
		started := time.Now()
		e.logger.Info("phase started", "phase", string(phase))

		var err error
		switch phase {
		case core.PhaseAreas:
			err = e.runAreas(ctx)
		case core.PhaseUsers:
			err = e.runUsers(ctx)
		case core.PhaseResources:
			err = e.runResources(ctx)
		case core.PhaseRepository:
			err = e.runRepository(ctx)
		}
		if err != nil {
			_ = e.resume.Save()
			return err
		}

		e.resume.MarkPhaseComplete(phase)
		if err := e.resume.Save(); err != nil {
			return err
		}
		e.metrics.IncCounter(ctx, "crawl.phase.completed", 1, map[string]string{"phase": string(phase)})
		e.logger.Info("phase complete",
			"phase", string(phase), "duration_ms", time.Since(started).Milliseconds())
	}

	if failures := e.resume.AllFailures(); len(failures) > 0 {
		e.logger.Info("crawl finished with failures", "count", len(failures))
	}
	return nil
}

// runAreas pages the global groups and projects connections, then descends
// into each group's subgroup and project connections so nested areas land
// under their parent group's directory. The roster the later phases walk is
// built along the way.
func (e *Engine) runAreas(ctx context.Context) error {
	if err := e.crawlConnection(ctx, core.PhaseAreas, "groups", core.ResourceGroups, nil,
		e.client.FetchGroups, e.collectArea(true)); err != nil {
		return err
	}
	if err := e.crawlConnection(ctx, core.PhaseAreas, "projects", core.ResourceProjects, nil,
		e.client.FetchProjects, e.collectArea(false)); err != nil {
		return err
	}
	return e.descendGroups(ctx)
}

// descendGroups visits every known group once. Subgroups discovered on the
// way join the queue, so arbitrarily nested trees are walked to the bottom. A
// failing group is recorded and skipped.
func (e *Engine) descendGroups(ctx context.Context) error {
	queue := e.groupPaths()
	visited := map[string]bool{}
	for len(queue) > 0 {
		group := queue[0]
		queue = queue[1:]
		if visited[group] {
			continue
		}
		visited[group] = true

		discovered, err := e.crawlGroupChildren(ctx, group)
		if err != nil {
			if isFatal(err) {
				return err
			}
			e.resume.RecordFailure(core.PhaseAreas, "group:"+group, err)
			e.metrics.IncCounter(ctx, "crawl.area.failed", 1, map[string]string{"phase": string(core.PhaseAreas)})
			e.logger.Error("group descent failed", "group", group, "error", err.Error())
			continue
		}
		queue = append(queue, discovered...)
	}
	return nil
}

// crawlGroupChildren pages one group's descendant groups and direct projects,
// writing both under the group's directory. Returns the subgroup paths it
// found.
func (e *Engine) crawlGroupChildren(ctx context.Context, group string) ([]string, error) {
	hierarchy := append([]string{"groups"}, strings.Split(group, "/")...)

	var discovered []string
	collectSubgroup := func(record core.Record) {
		e.collectArea(true)(record)
		if fullPath, _ := record["fullPath"].(string); strings.TrimSpace(fullPath) != "" {
			discovered = append(discovered, fullPath)
		}
	}
	fetchSubgroups := func(ctx context.Context, after string) (core.CursorPage[core.Record], error) {
		return e.client.FetchGroupSubgroups(ctx, group, after)
	}
	if err := e.crawlConnection(ctx, core.PhaseAreas, "group:"+group+":subgroups",
		core.ResourceGroups, hierarchy, fetchSubgroups, collectSubgroup); err != nil {
		return nil, err
	}

	fetchProjects := func(ctx context.Context, after string) (core.CursorPage[core.Record], error) {
		return e.client.FetchGroupProjects(ctx, group, after)
	}
	if err := e.crawlConnection(ctx, core.PhaseAreas, "group:"+group+":projects",
		core.ResourceProjects, hierarchy, fetchProjects, e.collectArea(false)); err != nil {
		return nil, err
	}
	return discovered, nil
}

func (e *Engine) groupPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var paths []string
	for _, area := range e.areas {
		if area.IsGroup {
			paths = append(paths, area.FullPath)
		}
	}
	return paths
}

func (e *Engine) runUsers(ctx context.Context) error {
	return e.crawlConnection(ctx, core.PhaseUsers, "users", core.ResourceUsers, nil,
		e.client.FetchUsers, nil)
}

var groupResources = []core.ResourceType{
	core.ResourceMembers,
	core.ResourceLabels,
	core.ResourceMilestones,
}

// Projects additionally carry issues and merge requests.
var projectResources = []core.ResourceType{
	core.ResourceMembers,
	core.ResourceLabels,
	core.ResourceMilestones,
	core.ResourceIssues,
	core.ResourceMergeRequests,
}

var repositoryResources = []core.ResourceType{
	core.ResourceBranches,
	core.ResourceCommits,
	core.ResourcePipelines,
}

func (e *Engine) runResources(ctx context.Context) error {
	areas, err := e.roster(ctx)
	if err != nil {
		return err
	}
	return e.forEachArea(ctx, core.PhaseResources, areas, func(ctx context.Context, area Area) error {
		resources := projectResources
		if area.IsGroup {
			resources = groupResources
		}
		for _, resource := range resources {
			if err := e.crawlAreaResource(ctx, core.PhaseResources, area, resource); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) runRepository(ctx context.Context) error {
	areas, err := e.roster(ctx)
	if err != nil {
		return err
	}
	var projects []Area
	for _, area := range areas {
		if !area.IsGroup {
			projects = append(projects, area)
		}
	}
	return e.forEachArea(ctx, core.PhaseRepository, projects, func(ctx context.Context, area Area) error {
		for _, resource := range repositoryResources {
			if err := e.crawlAreaResource(ctx, core.PhaseRepository, area, resource); err != nil {
				return err
			}
		}
		return nil
	})
}

// forEachArea fans area crawls out under the concurrency budget. A failing
// area is recorded and skipped; fatal errors cancel the remaining areas.
func (e *Engine) forEachArea(ctx context.Context, phase core.Phase, areas []Area, crawlArea func(context.Context, Area) error) error {
	sem := semaphore.NewWeighted(e.maxConcurrency)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var fatalMu sync.Mutex
	var fatal error

	for _, area := range areas {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(area Area) {
			defer wg.Done()
			defer sem.Release(1)
			if err := crawlArea(runCtx, area); err != nil {
				if isFatal(err) {
					fatalMu.Lock()
					if fatal == nil {
						fatal = err
					}
					fatalMu.Unlock()
					cancel()
					return
				}
				e.resume.RecordFailure(phase, areaKey(area), err)
				e.metrics.IncCounter(runCtx, "crawl.area.failed", 1, map[string]string{"phase": string(phase)})
				e.logger.Error("area crawl failed",
					"phase", string(phase), "area", area.FullPath, "error", err.Error())
			}
		}(area)
	}
	wg.Wait()

	if fatal != nil {
		return fatal
	}
	if err := ctx.Err(); err != nil {
		return core.MapError(err)
	}
	return nil
}

func (e *Engine) crawlAreaResource(ctx context.Context, phase core.Phase, area Area, resource core.ResourceType) error {
	key := areaKey(area) + ":" + string(resource)
	hierarchy := areaHierarchy(area)

	fetch := func(ctx context.Context, after string) (core.CursorPage[core.Record], error) {
		if area.IsGroup {
			return e.client.FetchGroupResource(ctx, area.FullPath, resource, after)
		}
		return e.client.FetchProjectResource(ctx, area.FullPath, resource, after)
	}
	return e.crawlConnection(ctx, phase, key, resource, hierarchy, fetch, nil)
}

// crawlConnection walks one connection page by page: fetch with retry, apply
// the callback, write to the sink, then checkpoint the cursor. Order matters:
// a crash after the write re-fetches one page instead of dropping it.
func (e *Engine) crawlConnection(
	ctx context.Context,
	phase core.Phase,
	key string,
	resource core.ResourceType,
	hierarchy []string,
	fetch transport.PageFetcher,
	observe func(core.Record),
) error {
	if e.resume.ShouldSkip(phase, key) {
		return nil
	}
	start := e.resume.Cursor(phase, key)
	callbackCtx := core.CallbackContext{
		Host:         e.host,
		AccountID:    e.accountID,
		ResourceType: resource,
	}

	err := transport.ForEachPage(ctx, start, e.withRetry(fetch),
		func(page core.CursorPage[core.Record], _ string) error {
			records := page.Nodes
			if e.callback != nil {
				transformed := make([]core.Record, 0, len(records))
				for _, record := range records {
					out, keep, cbErr := e.callback(callbackCtx, record)
					if cbErr != nil {
						return core.WrapError(cbErr, goerrors.CategoryOperation,
							fmt.Sprintf("crawl: callback failed for %s", key), core.ErrorInternal)
					}
					if keep {
						transformed = append(transformed, out)
					}
				}
				records = transformed
			}
			if observe != nil {
				for _, record := range records {
					observe(record)
				}
			}

			written, writeErr := e.sink.Write(ctx, resource, hierarchy, records)
			if writeErr != nil {
				return writeErr
			}
			e.metrics.IncCounter(ctx, "crawl.records.written", int64(written),
				map[string]string{"phase": string(phase), "resource": string(resource)})

			if page.PageInfo.HasNextPage {
				e.resume.SetCursor(phase, key, page.PageInfo.EndCursor)
			}
			return nil
		})
	if err != nil {
		return err
	}
	e.resume.ClearCursor(phase, key)
	return nil
}

// withRetry retries transient fetch failures with exponential backoff.
func (e *Engine) withRetry(fetch transport.PageFetcher) transport.PageFetcher {
	return func(ctx context.Context, after string) (core.CursorPage[core.Record], error) {
		var lastErr error
		for attempt := 1; attempt <= defaultFetchAttempts; attempt++ {
			page, err := fetch(ctx, after)
			if err == nil {
				return page, nil
			}
			lastErr = err
			if !core.IsRetryable(err) || attempt == defaultFetchAttempts {
				break
			}
			delay := e.backoff.NextDelay(attempt)
			e.logger.Info("fetch failed, retrying",
				"attempt", attempt, "delay", delay.String(), "error", err.Error())
			if waitErr := core.WaitWithContext(ctx, delay); waitErr != nil {
				return core.CursorPage[core.Record]{}, core.MapError(waitErr)
			}
		}
		return core.CursorPage[core.Record]{}, lastErr
	}
}

// areaHierarchy maps an area to its output directory. A group nests under
// groups/<its path>; a project's resources live under its namespace's
// projects directory, the project itself identified inside the records.
func areaHierarchy(area Area) []string {
	segments := strings.Split(area.FullPath, "/")
	if area.IsGroup {
		return append([]string{"groups"}, segments...)
	}
	if len(segments) < 2 {
		return []string{"projects"}
	}
	hierarchy := append([]string{"groups"}, segments[:len(segments)-1]...)
	return append(hierarchy, "projects")
}

func (e *Engine) collectArea(isGroup bool) func(core.Record) {
	return func(record core.Record) {
		fullPath, _ := record["fullPath"].(string)
		if strings.TrimSpace(fullPath) == "" {
			return
		}
		area := Area{FullPath: fullPath, IsGroup: isGroup}
		e.mu.Lock()
		if !e.seen[areaKey(area)] {
			e.seen[areaKey(area)] = true
			e.areas = append(e.areas, area)
		}
		e.mu.Unlock()
	}
}

// roster returns the areas discovered this run, re-enumerating from the API
// when the areas phase ran in an earlier process.
func (e *Engine) roster(ctx context.Context) ([]Area, error) {
	e.mu.Lock()
	cached := append([]Area(nil), e.areas...)
	e.mu.Unlock()
	if len(cached) > 0 {
		return cached, nil
	}

	collect := func(isGroup bool, fetch transport.PageFetcher) error {
		return transport.ForEachPage(ctx, "", e.withRetry(fetch),
			func(page core.CursorPage[core.Record], _ string) error {
				for _, record := range page.Nodes {
					e.collectArea(isGroup)(record)
				}
				return nil
			})
	}
	if err := collect(true, e.client.FetchGroups); err != nil {
		return nil, err
	}
	if err := collect(false, e.client.FetchProjects); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Area(nil), e.areas...), nil
}

func areaKey(area Area) string {
	if area.IsGroup {
		return "group:" + area.FullPath
	}
	return "project:" + area.FullPath
}

// isFatal separates run-aborting errors from per-entity failures. Auth and
// state problems abort; everything entity-scoped is recorded and skipped.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.TextCode {
		case core.ErrorAuthInvalid, core.ErrorAuthMissing, core.ErrorRefreshFailed,
			core.ErrorSinkWrite, core.ErrorStateCorrupt, core.ErrorCancelled:
			return true
		}
	}
	return false
}
