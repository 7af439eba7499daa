// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sassoftware/viya-pdf-core/logger"
)

// Processor defines the contract for walking every object of a PDF file.
type Processor interface {
	ResolveAll(ctx context.Context, path string) ([]ObjectResult, error)
}

// An ObjectResult is the outcome of resolving one indirect object.
type ObjectResult struct {
	Ptr   ObjPtr
	Value Value
	Err   error
}

// processor manages whole-document resolution with concurrency control.
// Opening documents is gated by a document-level semaphore; within one
// document a bounded worker pool resolves objects in parallel, relying on
// the Reader's cache and singleflight to keep duplicate work collapsed.
type processor struct {
	cfg Config
	sem *semaphore.Weighted
}

// NewProcessor validates the config and creates a new processor.
func NewProcessor(cfg Config) (*processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug(fmt.Sprintf("Processor initialized: parsing_mode=%v, max_workers=%d",
		cfg.Mode, cfg.MaxWorkers), true)

	return &processor{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}, nil
}

// ResolveAll opens the file at path and resolves every object the merged
// cross-reference table lists, returning results in object number order.
// In strict mode the first resolution failure aborts the walk; in
// best-effort mode failures travel in the per-object Err field instead.
func (p *processor) ResolveAll(ctx context.Context, path string) ([]ObjectResult, error) {
	logger.Debug(fmt.Sprintf("Starting full resolution: path=%s", path), true)

	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	f, r, err := OpenWithConfig(path, p.cfg)
	if err != nil {
		logger.Debug(fmt.Sprintf("Failed to open PDF: path=%s err=%v", path, err), true)
		return nil, err
	}
	defer f.Close()

	return p.resolveReader(ctx, r)
}

// ResolveReader runs the same walk over an already-open Reader.
func (p *processor) ResolveReader(ctx context.Context, r *Reader) ([]ObjectResult, error) {
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return p.resolveReader(ctx, r)
}

func (p *processor) resolveReader(ctx context.Context, r *Reader) ([]ObjectResult, error) {
	ptrs := r.Objects()
	total := len(ptrs)
	logger.Debug(fmt.Sprintf("Objects to resolve: total=%d", total), true)
	if total == 0 {
		return nil, nil
	}

	numWorkers := p.adjustWorkerCount(p.cfg.MaxWorkers)
	jobs := make(chan int, total)
	results := make(chan indexedResult, total)

	var wg sync.WaitGroup
	p.startWorkers(ctx, r, ptrs, jobs, results, numWorkers, &wg)
	if err := p.feedJobs(ctx, total, jobs); err != nil {
		close(jobs)
		wg.Wait()
		return nil, err
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]ObjectResult, total)
	for res := range results {
		if res.result.Err != nil && p.cfg.Mode == ModeStrict {
			logger.Debug(fmt.Sprintf("Strict mode error, stopping walk: obj=%v err=%v",
				res.result.Ptr, res.result.Err))
			return nil, fmt.Errorf("strict mode failed on object %v: %w", res.result.Ptr, res.result.Err)
		}
		out[res.index] = res.result
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type indexedResult struct {
	index  int
	result ObjectResult
}

func (p *processor) startWorkers(ctx context.Context, r *Reader, ptrs []ObjPtr, jobs <-chan int, results chan<- indexedResult, numWorkers int, wg *sync.WaitGroup) {
	logger.Debug(fmt.Sprintf("Spawning workers: num_workers=%d", numWorkers), true)
	for w := 1; w <= numWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					results <- indexedResult{i, ObjectResult{Ptr: ptrs[i], Err: ctx.Err()}}
					continue
				}
				ptr := ptrs[i]
				v, err := p.resolveWithTimeout(ctx, r, ptr)
				results <- indexedResult{i, ObjectResult{Ptr: ptr, Value: v, Err: err}}
				if err != nil {
					logger.Debug(fmt.Sprintf("Worker: resolution error: worker_id=%d obj=%v err=%v", id, ptr, err), true)
				}
			}
		}(w)
	}
}

// resolveWithTimeout bounds one object resolution by cfg.ResolveTimeout.
// Resolve has no cancellation points of its own, so the work runs in a
// goroutine; a result arriving after the deadline lands in the buffered
// channel and is dropped.
func (p *processor) resolveWithTimeout(ctx context.Context, r *Reader, ptr ObjPtr) (Value, error) {
	ctxObj, cancel := context.WithTimeout(ctx, p.cfg.ResolveTimeout)
	defer cancel()

	done := make(chan ObjectResult, 1)
	go func() {
		v, err := r.Resolve(ptr)
		done <- ObjectResult{Ptr: ptr, Value: v, Err: err}
	}()

	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctxObj.Done():
		logger.Debug(fmt.Sprintf("Resolution timed out: obj=%v timeout=%v", ptr, p.cfg.ResolveTimeout), true)
		return Value{}, fmt.Errorf("resolving object %v: %w", ptr, ctxObj.Err())
	}
}

func (p *processor) feedJobs(ctx context.Context, total int, jobs chan<- int) error {
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled while feeding jobs", true)
			return ctx.Err()
		case jobs <- i:
		}
	}
	logger.Debug(fmt.Sprintf("All jobs queued: total_objects=%d", total), true)
	return nil
}

func (p *processor) acquireSlot(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}
	logger.Debug("Slot acquired successfully", true)
	return nil
}

func (p *processor) adjustWorkerCount(maxWorkers int) int {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if n := runtime.NumCPU(); maxWorkers > n {
		maxWorkers = n
	}
	logger.Debug(fmt.Sprintf("Adjusted worker count: workers=%d", maxWorkers), true)
	return maxWorkers
}

// Metadata prints PDF metadata as JSON to the provided writer.
func (p *processor) Metadata(ctx context.Context, path string, w io.Writer) error {
	logger.Debug(fmt.Sprintf("Reading metadata: path=%s", path), true)

	if err := p.acquireSlot(ctx); err != nil {
		return err
	}
	defer p.sem.Release(1)

	f, r, err := OpenWithConfig(path, p.cfg)
	if err != nil {
		logger.Error("failed to open PDF for metadata")
		return err
	}
	defer f.Close()

	if err := r.MetadataJSON(w); err != nil {
		logger.Error("failed to read metadata")
		return err
	}

	logger.Debug(fmt.Sprintf("Metadata extraction completed: path=%s", path), true)
	return nil
}
