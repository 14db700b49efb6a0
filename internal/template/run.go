package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/um-disco/faasnap-firecracker/internal/cfg"
	"github.com/um-disco/faasnap-firecracker/internal/pseudomm"
	"github.com/um-disco/faasnap-firecracker/internal/rdma"
)

// BatchConfig describes a batch run: shared defaults plus an ordered list of
// templates. Field names match the restore ecosystem's config format.
type BatchConfig struct {
	RdmaServer       string       `json:"rdma_server"`
	DefaultRdmaPgoff *uint64      `json:"default_rdma_pgoff"`
	HVABase          string       `json:"hva_base"`
	Templates        []BatchEntry `json:"templates"`
}

// BatchEntry is one template job. Omitted fields inherit the batch defaults.
type BatchEntry struct {
	SnapshotPath string  `json:"snapshot_path"`
	MemFilePath  string  `json:"mem_file_path"`
	OutputPath   string  `json:"output_path"`
	RdmaPgoff    *uint64 `json:"rdma_pgoff"`
	RdmaServer   string  `json:"rdma_server"`
	HVABase      string  `json:"hva_base"`
}

// LoadBatchConfig reads and validates a batch config file.
func LoadBatchConfig(path string) (BatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BatchConfig{}, fmt.Errorf("%w: failed to read batch config: %w", ErrConfiguration, err)
	}

	var config BatchConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return BatchConfig{}, fmt.Errorf("%w: failed to parse batch config: %w", ErrConfiguration, err)
	}

	if len(config.Templates) == 0 {
		return BatchConfig{}, fmt.Errorf("%w: batch config has no templates", ErrConfiguration)
	}

	for i, entry := range config.Templates {
		if entry.SnapshotPath == "" || entry.MemFilePath == "" || entry.OutputPath == "" {
			return BatchConfig{}, fmt.Errorf("%w: template %d is missing a required path", ErrConfiguration, i+1)
		}

		if entry.RdmaServer == "" && config.RdmaServer == "" {
			return BatchConfig{}, fmt.Errorf("%w: template %d has no rdma_server and no default is set", ErrConfiguration, i+1)
		}
	}

	return config, nil
}

// ParseHVA parses a host virtual base written as a hex string, with or
// without a 0x prefix.
func ParseHVA(value string) (uint64, error) {
	base, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid hva_base %q: expected a hex address", ErrConfiguration, value)
	}

	return base, nil
}

// Runner drives template creation against shared pool connections. One
// connection is opened per pool address and reused for every job targeting
// it; writes are serialized because jobs run one at a time.
type Runner struct {
	Reserver    pseudomm.Manager
	Config      cfg.Config
	NewPool     func(addr string) rdma.PoolWriter
	NewProgress func(label string, totalBytes uint64) func(bytes int)
}

func (r *Runner) newPool(addr string) rdma.PoolWriter {
	if r.NewPool != nil {
		return r.NewPool(addr)
	}

	return rdma.NewClient(addr, rdma.Config{
		DialTimeout:  r.Config.PoolDialTimeout,
		WriteTimeout: r.Config.PoolWriteTimeout,
		PageSize:     r.Config.PageSize,
	})
}

// RunSingle creates one template over a dedicated pool connection.
func (r *Runner) RunSingle(ctx context.Context, poolAddr string, job Job) (Result, error) {
	pool := r.newPool(poolAddr)
	defer pool.Close()

	creator := Creator{
		Reserver:    r.Reserver,
		Pool:        pool,
		Config:      r.Config,
		NewProgress: r.NewProgress,
	}

	return creator.Create(ctx, job, 0, nil)
}

// RunBatch processes the config's templates in order, threading the pool
// page offset cursor across jobs. The first failure aborts the rest of the
// run: a failed job's page count is unknown, so the cursor cannot be
// advanced safely past it. Descriptors written by earlier jobs stand.
func (r *Runner) RunBatch(ctx context.Context, config BatchConfig) error {
	runID := uuid.New().String()

	var defaultHVA *uint64
	if config.HVABase != "" {
		base, err := ParseHVA(config.HVABase)
		if err != nil {
			return err
		}

		defaultHVA = &base
	}

	var cursor uint64
	if config.DefaultRdmaPgoff != nil {
		cursor = *config.DefaultRdmaPgoff
	}

	pools := make(map[string]rdma.PoolWriter)
	defer func() {
		for addr, pool := range pools {
			if err := pool.Close(); err != nil {
				zap.L().Warn("failed to close pool connection", zap.String("run_id", runID), zap.String("pool_addr", addr), zap.Error(err))
			}
		}
	}()

	zap.L().Info("starting batch run",
		zap.String("run_id", runID),
		zap.Int("templates", len(config.Templates)),
		zap.Uint64("rdma_pgoff", cursor),
	)

	var occupied []Allocation

	for i, entry := range config.Templates {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch run canceled before template %d: %w", i+1, err)
		}

		job, err := r.batchJob(i, entry, defaultHVA)
		if err != nil {
			return err
		}

		poolAddr := entry.RdmaServer
		if poolAddr == "" {
			poolAddr = config.RdmaServer
		}

		pool, ok := pools[poolAddr]
		if !ok {
			pool = r.newPool(poolAddr)
			pools[poolAddr] = pool
		}

		creator := Creator{
			Reserver:    r.Reserver,
			Pool:        pool,
			Config:      r.Config,
			NewProgress: r.NewProgress,
		}

		guard := func(alloc Allocation) error {
			if overlap := findOverlap(occupied, alloc); overlap != nil {
				return fmt.Errorf("%w: pages [%d, %d) overlap pages [%d, %d) already written in this run",
					ErrConfiguration, alloc.BasePageOffset, alloc.End(), overlap.BasePageOffset, overlap.End())
			}

			return nil
		}

		result, err := creator.Create(ctx, job, cursor, guard)
		if err != nil {
			return fmt.Errorf("template %s failed, aborting batch: %w", job.Label, err)
		}

		occupied = append(occupied, result.Alloc)

		// Explicit overrides may land below the cursor; never move it
		// backwards over pages another job already claimed.
		cursor = max(cursor, result.Alloc.End())
	}

	zap.L().Info("batch run finished",
		zap.String("run_id", runID),
		zap.Int("templates", len(occupied)),
		zap.Uint64("next_rdma_pgoff", cursor),
	)

	return nil
}

func (r *Runner) batchJob(index int, entry BatchEntry, defaultHVA *uint64) (Job, error) {
	job := Job{
		Label:              fmt.Sprintf("batch-%d", index+1),
		SnapshotPath:       entry.SnapshotPath,
		MemFilePath:        entry.MemFilePath,
		OutputPath:         entry.OutputPath,
		PageOffsetOverride: entry.RdmaPgoff,
		HVABase:            defaultHVA,
	}

	if entry.HVABase != "" {
		base, err := ParseHVA(entry.HVABase)
		if err != nil {
			return Job{}, err
		}

		job.HVABase = &base
	}

	return job, nil
}

func findOverlap(occupied []Allocation, alloc Allocation) *Allocation {
	for i, prev := range occupied {
		if alloc.BasePageOffset < prev.End() && prev.BasePageOffset < alloc.End() {
			return &occupied[i]
		}
	}

	return nil
}

// ExitCode maps an error to the process exit status: configuration errors,
// reservation failures, transport failures and consistency violations get
// distinct codes so callers can tell them apart.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfiguration):
		return 2
	case errors.Is(err, ErrReservation):
		return 3
	case errors.Is(err, ErrTransport):
		return 4
	case errors.Is(err, ErrConsistency):
		return 5
	default:
		return 1
	}
}
