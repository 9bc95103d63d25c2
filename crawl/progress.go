package crawl

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"gopkg.in/yaml.v3"

	"github.com/copima/copima/core"
)

// Progress aggregates written-record counts per phase and reports them as a
// periodic log line, optionally mirrored to a YAML snapshot file. It plugs
// into the engine through the metrics seam.
type Progress struct {
	logger core.Logger
	file   string

	mu     sync.Mutex
	counts map[string]int64
}

func NewProgress(logger core.Logger, file string) *Progress {
	if logger == nil {
		logger = glog.Nop()
	}
	return &Progress{
		logger: logger,
		file:   file,
		counts: map[string]int64{},
	}
}

func (p *Progress) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if name != "crawl.records.written" {
		return
	}
	phase := tags["phase"]
	if phase == "" {
		phase = "unknown"
	}
	p.mu.Lock()
	p.counts[phase] += value
	p.mu.Unlock()
}

func (p *Progress) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// Snapshot returns the per-phase record counts so far.
func (p *Progress) Snapshot() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make(map[string]int64, len(p.counts))
	for phase, count := range p.counts {
		snapshot[phase] = count
	}
	return snapshot
}

// Start reports every interval until the context ends or stop is called.
// Stop emits one final report.
func (p *Progress) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.report()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			p.report()
		})
	}
}

func (p *Progress) report() {
	snapshot := p.Snapshot()
	args := make([]any, 0, len(snapshot)*2)
	total := int64(0)
	for _, phase := range core.PhaseOrder() {
		if count, ok := snapshot[string(phase)]; ok {
			args = append(args, string(phase), count)
			total += count
		}
	}
	p.logger.Info("crawl progress", append([]any{"records", total}, args...)...)

	if p.file != "" {
		if err := p.writeSnapshot(snapshot); err != nil {
			p.logger.Error("write progress file", "path", p.file, "error", err.Error())
		}
	}
}

type progressDocument struct {
	UpdatedAt time.Time        `yaml:"updated_at"`
	Records   map[string]int64 `yaml:"records"`
}

func (p *Progress) writeSnapshot(snapshot map[string]int64) error {
	out, err := yaml.Marshal(progressDocument{
		UpdatedAt: time.Now().UTC(),
		Records:   snapshot,
	})
	if err != nil {
		return err
	}
	tmp := p.file + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.file), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.file)
}

var _ core.MetricsRecorder = (*Progress)(nil)
