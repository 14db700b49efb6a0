package template

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/flowchartsman/retry"
	"golang.org/x/sync/errgroup"

	"github.com/um-disco/faasnap-firecracker/internal/rdma"
	"github.com/um-disco/faasnap-firecracker/internal/snapshot"
)

// Streamer uploads a template's memory image to the remote pool. Chunk reads
// are pipelined with pool writes, but writes are issued strictly in image
// order: a region's bytes are fully acknowledged before the next region's
// destination range is touched.
type Streamer struct {
	Pool      rdma.PoolWriter
	PageSize  uint64
	ChunkSize uint64
	Retries   int

	// Progress, when set, is called with the size of every acknowledged
	// write.
	Progress func(bytes int)
}

type chunk struct {
	data        []byte
	imageOffset uint64
}

// Stream pushes every region of the layout, in order, to the pool range
// planned by alloc. Returns the number of bytes acknowledged by the pool.
func (s *Streamer) Stream(ctx context.Context, memfile io.ReaderAt, layout snapshot.Layout, alloc Allocation) (uint64, error) {
	baseByteOffset := alloc.BasePageOffset * s.PageSize
	acked := bitset.New(uint(alloc.PageCount))

	g, ctx := errgroup.WithContext(ctx)
	chunks := make(chan chunk, 4)

	g.Go(func() error {
		defer close(chunks)

		var imageOffset uint64
		for _, region := range layout.Regions {
			remaining := region.Size
			for remaining > 0 {
				size := min(remaining, s.ChunkSize)

				data := make([]byte, size)
				if _, err := memfile.ReadAt(data, int64(imageOffset)); err != nil {
					return fmt.Errorf("failed to read %d bytes of memory file at offset %d: %w", size, imageOffset, err)
				}

				select {
				case chunks <- chunk{data: data, imageOffset: imageOffset}:
				case <-ctx.Done():
					return ctx.Err()
				}

				imageOffset += size
				remaining -= size
			}
		}

		return nil
	})

	var transferred uint64

	g.Go(func() error {
		for c := range chunks {
			if err := s.writeWithRetry(ctx, c.data, baseByteOffset+c.imageOffset); err != nil {
				return err
			}

			firstPage := c.imageOffset / s.PageSize
			lastPage := (c.imageOffset + uint64(len(c.data)) - 1) / s.PageSize
			for page := firstPage; page <= lastPage; page++ {
				acked.Set(uint(page))
			}

			transferred += uint64(len(c.data))

			if s.Progress != nil {
				s.Progress(len(c.data))
			}
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}

	if count := uint64(acked.Count()); count != alloc.PageCount {
		return 0, fmt.Errorf("%w: pool acknowledged %d pages but the allocation holds %d", ErrConsistency, count, alloc.PageCount)
	}

	return transferred, nil
}

const (
	writeRetryMinDelay = 100 * time.Millisecond
	writeRetryMaxDelay = time.Second
)

func (s *Streamer) writeWithRetry(ctx context.Context, payload []byte, byteOffset uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	retrier := retry.NewRetrier(s.Retries, writeRetryMinDelay, writeRetryMaxDelay)

	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		return s.Pool.WriteAt(ctx, payload, byteOffset)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}

		return fmt.Errorf("%w: write of %d bytes at offset 0x%x failed after %d attempts: %w", ErrTransport, len(payload), byteOffset, s.Retries, err)
	}

	return nil
}
