package template

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/um-disco/faasnap-firecracker/internal/cfg"
	"github.com/um-disco/faasnap-firecracker/internal/pseudomm"
	"github.com/um-disco/faasnap-firecracker/internal/rdma"
	"github.com/um-disco/faasnap-firecracker/internal/snapshot"
)

// Job is one template to create.
type Job struct {
	Label        string
	SnapshotPath string
	MemFilePath  string
	OutputPath   string

	// PageOffsetOverride pins the template to an explicit pool page offset
	// instead of the running cursor.
	PageOffsetOverride *uint64

	// HVABase overrides the host virtual base requested from the kernel
	// module.
	HVABase *uint64
}

// Result summarizes one successfully created template.
type Result struct {
	Descriptor Descriptor
	Alloc      Allocation
}

// Creator runs the full pipeline for a single template: load regions, plan
// the pool allocation, reserve the pseudo-mapping, stream the image,
// register the mappings, and persist the descriptor.
type Creator struct {
	Reserver pseudomm.Manager
	Pool     rdma.PoolWriter
	Config   cfg.Config

	// NewProgress, when set, is called once per template with the upload
	// size and returns a per-write progress callback.
	NewProgress func(label string, totalBytes uint64) func(bytes int)
}

// Create builds one template. cursor is the running pool page offset; it is
// only consulted when the job carries no explicit override. allocGuard, when
// set, can veto the planned allocation before anything touches the pool.
// Nothing is persisted unless every step succeeds.
func (c *Creator) Create(ctx context.Context, job Job, cursor uint64, allocGuard func(Allocation) error) (Result, error) {
	layout, err := snapshot.Load(job.SnapshotPath, job.MemFilePath, c.Config.PageSize)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	alloc, err := Plan(cursor, job.PageOffsetOverride, layout.TotalSize, c.Config.PageSize)
	if err != nil {
		return Result{}, err
	}

	if allocGuard != nil {
		if err := allocGuard(alloc); err != nil {
			return Result{}, err
		}
	}

	zap.L().Info("creating template",
		zap.String("template", job.Label),
		zap.String("snapshot_path", job.SnapshotPath),
		zap.String("mem_file_path", job.MemFilePath),
		zap.Int("regions", len(layout.Regions)),
		zap.String("image_size", humanize.IBytes(layout.TotalSize)),
		zap.Uint64("rdma_pgoff", alloc.BasePageOffset),
		zap.Uint64("pages", alloc.PageCount),
	)

	reservation, err := c.Reserver.Reserve(job.HVABase)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrReservation, err)
	}

	transferred, err := c.stream(ctx, job, layout, alloc)
	if err != nil {
		return Result{}, err
	}

	if transferred != layout.TotalSize {
		return Result{}, fmt.Errorf("%w: transferred %d bytes but the image is %d bytes", ErrConsistency, transferred, layout.TotalSize)
	}

	if err := c.registerMappings(reservation, layout, alloc); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrReservation, err)
	}

	descriptor := Build(reservation, alloc, layout, transferred)
	if err := descriptor.Validate(alloc, c.Config.PageSize); err != nil {
		return Result{}, err
	}

	if err := descriptor.WriteFile(job.OutputPath); err != nil {
		return Result{}, err
	}

	zap.L().Info("template created",
		zap.String("template", job.Label),
		zap.Int32("pseudo_mm_id", reservation.ID),
		zap.Uint64("rdma_pgoff", alloc.BasePageOffset),
		zap.String("uploaded", humanize.IBytes(transferred)),
		zap.String("output_path", job.OutputPath),
	)

	return Result{Descriptor: descriptor, Alloc: alloc}, nil
}

func (c *Creator) stream(ctx context.Context, job Job, layout snapshot.Layout, alloc Allocation) (uint64, error) {
	memfile, err := os.Open(job.MemFilePath)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to open memory file: %w", ErrConfiguration, err)
	}
	defer memfile.Close()

	streamer := Streamer{
		Pool:      c.Pool,
		PageSize:  c.Config.PageSize,
		ChunkSize: c.Config.UploadChunkSize,
		Retries:   c.Config.PoolWriteRetries,
	}
	if c.NewProgress != nil {
		streamer.Progress = c.NewProgress(job.Label, layout.TotalSize)
	}

	return streamer.Stream(ctx, memfile, layout, alloc)
}

// registerMappings programs the pseudo_mm instance so a restored VM faults
// its pages straight from the pool range this template occupies.
func (c *Creator) registerMappings(reservation pseudomm.Reservation, layout snapshot.Layout, alloc Allocation) error {
	for i, region := range layout.Regions {
		hva := reservation.Base + region.GPA

		if err := c.Reserver.AddMapping(reservation.ID, hva, hva+region.Size); err != nil {
			return err
		}

		poolPageOffset := alloc.BasePageOffset + layout.FileOffset(i)/c.Config.PageSize
		if err := c.Reserver.SetupPageTable(reservation.ID, hva, region.Size, poolPageOffset); err != nil {
			return err
		}
	}

	return nil
}
