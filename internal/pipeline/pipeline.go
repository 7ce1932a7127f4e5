// Package pipeline drives capture files through the decoder and the joiner
// and hands the resulting exchanges to sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pcapdns/internal/analysis"
	"pcapdns/internal/decoder"
	"pcapdns/internal/joiner"
	"pcapdns/internal/models"
	"pcapdns/internal/pcapfile"
	"pcapdns/internal/state"
)

// statsEvery is how many frames pass between counter updates.
const statsEvery = 256

type Config struct {
	Decoder        decoder.Config
	Joiner         joiner.Config
	ReadBufferSize int
	QueueSize      int
	// StatePath keeps the caches between runs. Without it, queries still
	// pending after the last file are reported as expired.
	StatePath string
}

// Processor owns the decoder and joiner state of a run.
type Processor struct {
	cfg   Config
	log   *zap.Logger
	stats *analysis.DNSStats
	sinks []Sink

	dec    *decoder.Decoder
	join   *joiner.Joiner
	newest time.Time
}

func New(cfg Config, log *zap.Logger, stats *analysis.DNSStats, sinks ...Sink) *Processor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	if stats == nil {
		stats = analysis.NewDNSStats()
	}
	return &Processor{
		cfg:   cfg,
		log:   log,
		stats: stats,
		sinks: sinks,
		dec:   decoder.New(cfg.Decoder, log.Named("decoder")),
		join:  joiner.New(cfg.Joiner, log.Named("joiner")),
	}
}

// Run processes files in sorted order. Cancelling ctx stops before the next
// file; the file in flight always completes. Files that cannot be opened
// or read are reported in the joined error while the rest still run.
func (p *Processor) Run(ctx context.Context, files []string) error {
	files = slices.Clone(files)
	slices.Sort(files)

	if p.cfg.StatePath != "" {
		snap, err := state.Load(p.cfg.StatePath)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		snap.Apply(p.dec, p.join)
		p.log.Info("state loaded",
			zap.String("path", p.cfg.StatePath),
			zap.Int("fragments", len(snap.Fragments)),
			zap.Int("flows", len(snap.Flows)),
			zap.Int("pending", len(snap.Pending)))
	}

	var errs []error
	for _, file := range files {
		if ctx.Err() != nil {
			p.log.Warn("stopping before next file", zap.String("file", file), zap.Error(ctx.Err()))
			break
		}
		if err := p.processFile(context.WithoutCancel(ctx), file); err != nil {
			p.log.Error("file failed", zap.String("file", file), zap.Error(err))
			errs = append(errs, err)
		}
	}

	if err := p.finish(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Processor) finish(ctx context.Context) error {
	defer p.publish()
	if p.cfg.StatePath == "" {
		return p.emitAll(ctx, p.join.Drain())
	}
	snap, err := state.Capture(p.dec, p.join)
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	if err := state.Save(p.cfg.StatePath, snap); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (p *Processor) processFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	p.stats.FileStarted(name)

	r, closer, err := pcapfile.Open(path, p.cfg.ReadBufferSize)
	if err != nil {
		p.stats.FileFinished(0, 0, err)
		if pcapfile.IsFramingError(err) {
			p.log.Warn("skipping file", zap.String("file", name), zap.Error(err))
			return nil
		}
		return err
	}
	defer closer.Close()

	p.log.Info("processing file", zap.String("file", name), zap.Stringer("link_type", r.LinkType()))

	frames := make(chan pcapfile.Frame, p.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)

	var framing error
	g.Go(func() error {
		defer close(frames)
		for {
			f, err := r.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if pcapfile.IsFramingError(err) {
				// The rest of the file is unusable, keep what was decoded.
				framing = err
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case frames <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		n := 0
		for f := range frames {
			if err := p.handle(gctx, f, name); err != nil {
				return err
			}
			if n++; n%statsEvery == 0 {
				p.publish()
			}
		}
		return nil
	})

	err = g.Wait()
	if framing != nil {
		p.log.Warn("capture ended early", zap.String("file", name), zap.Int("frames", r.Frames()), zap.Error(framing))
	}

	frags, flows := p.dec.ClearCache(p.newest)
	if perr := p.emitAll(ctx, p.join.Purge()); err == nil {
		err = perr
	}
	p.publish()
	if err != nil {
		p.stats.FileFinished(r.Frames(), r.Skipped(), err)
	} else {
		p.stats.FileFinished(r.Frames(), r.Skipped(), framing)
	}

	p.log.Info("file done",
		zap.String("file", name),
		zap.Int("frames", r.Frames()),
		zap.Int("skipped", r.Skipped()),
		zap.Int("evicted_fragments", frags),
		zap.Int("evicted_flows", flows),
		zap.Int("pending", p.join.Len()))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (p *Processor) handle(ctx context.Context, f pcapfile.Frame, file string) error {
	if f.Timestamp.After(p.newest) {
		p.newest = f.Timestamp
	}
	pkt, err := p.dec.Decode(f)
	if err != nil {
		p.log.Debug("frame dropped", zap.String("file", file), zap.Int("frame", f.Number), zap.Error(err))
		return nil
	}
	if pkt == nil {
		return nil
	}
	return p.emitAll(ctx, p.join.Join(pkt, file))
}

func (p *Processor) emitAll(ctx context.Context, exs []models.Exchange) error {
	for _, ex := range exs {
		p.stats.ProcessExchange(ex)
		for _, s := range p.sinks {
			if err := s.Write(ctx, ex); err != nil {
				return fmt.Errorf("write exchange: %w", err)
			}
		}
	}
	return nil
}

func (p *Processor) publish() {
	p.stats.UpdateDecoder(p.dec.Counters())
	p.stats.UpdateJoiner(p.join.Counters(), p.join.Len())
}
