package destroy

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

const (
	// orphanPageSize is how many media rows one lookup reads.
	orphanPageSize = 20
	orphanWorkers  = 4
)

// OrphanedFiles compares the media directory with the file names the store
// references. It returns the unreferenced files and the number of
// referenced ones. Files written by a transaction that has not committed
// yet show up as orphans.
func (d *Destroyer) OrphanedFiles(ctx context.Context) ([]string, int, error) {
	dir := d.m.MediaDir()
	if dir == nil {
		return nil, 0, nil
	}
	files, err := dir.List()
	if err != nil {
		return nil, 0, err
	}
	if len(files) == 0 {
		return nil, 0, nil
	}

	referenced, err := d.referencedNames(ctx)
	if err != nil {
		return nil, 0, err
	}
	var orphans []string
	for _, f := range files {
		if !referenced[f] {
			orphans = append(orphans, f)
		}
	}
	d.logger.Debug("orphan scan finished",
		zap.Int("files", len(files)),
		zap.Int("referenced", len(referenced)),
		zap.Int("orphans", len(orphans)))
	return orphans, len(referenced), nil
}

// referencedNames reads the external names of the store. The id range is
// split into one slice per worker and each slice is paged by id, so a
// deletion during the scan cannot make a surviving row be skipped.
func (d *Destroyer) referencedNames(ctx context.Context) (map[string]bool, error) {
	qs := d.m.DB().Queries()
	total, maxID, err := qs.ExternalMediaRange(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		names = make(map[string]bool, total)
	)
	workers := int64(min(orphanWorkers, max(total/orphanPageSize, 1)))
	span := maxID/workers + 1
	g, gctx := errgroup.WithContext(ctx)
	for lo := int64(0); lo < maxID; lo += span {
		hi := min(lo+span, maxID)
		g.Go(func() error {
			for after := lo; after < hi; {
				page, last, n, err := qs.ExternalNamesAfter(gctx, after, hi, orphanPageSize)
				if err != nil {
					return fmt.Errorf("load media names: %w", err)
				}
				mu.Lock()
				for _, name := range page {
					names[name] = true
				}
				mu.Unlock()
				if n < orphanPageSize {
					return nil
				}
				after = last
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return names, nil
}

// DeleteOrphanedFiles removes the given files that are still unreferenced
// and returns how many were removed.
func (d *Destroyer) DeleteOrphanedFiles(ctx context.Context, names []string) (int, error) {
	dir := d.m.MediaDir()
	if dir == nil || len(names) == 0 {
		return 0, nil
	}
	referenced, err := d.referencedNames(ctx)
	if err != nil {
		return 0, err
	}
	var doomed []string
	for _, n := range names {
		if !referenced[n] {
			doomed = append(doomed, n)
		}
	}
	n, err := dir.Remove(doomed...)
	d.record("files", n)
	if n > 0 {
		d.logger.Info("orphaned media files removed", zap.Int("count", n))
	}
	return n, err
}
