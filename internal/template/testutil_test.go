package template

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/um-disco/faasnap-firecracker/internal/cfg"
	"github.com/um-disco/faasnap-firecracker/internal/pseudomm"
	"github.com/um-disco/faasnap-firecracker/internal/snapshot"
)

const testPageSize = 4096

func testConfig() cfg.Config {
	return cfg.Config{
		PseudoMmDevicePath: "/dev/pseudo_mm",
		PoolWriteRetries:   3,
		UploadChunkSize:    testPageSize,
		PageSize:           testPageSize,
	}
}

type fakeReserver struct {
	nextID       int32
	reserveCalls atomic.Int64
	reserveErr   error

	mappings   []fakeMapping
	pageTables []fakePageTable
}

type fakeMapping struct {
	id         int32
	start, end uint64
}

type fakePageTable struct {
	id          int32
	start, size uint64
	poolPgoff   uint64
}

func (f *fakeReserver) Reserve(desiredBase *uint64) (pseudomm.Reservation, error) {
	f.reserveCalls.Add(1)
	if f.reserveErr != nil {
		return pseudomm.Reservation{}, f.reserveErr
	}

	base := pseudomm.DefaultBase
	if desiredBase != nil {
		base = *desiredBase
	}

	f.nextID++

	return pseudomm.Reservation{ID: f.nextID, Base: base}, nil
}

func (f *fakeReserver) AddMapping(id int32, start, end uint64) error {
	f.mappings = append(f.mappings, fakeMapping{id: id, start: start, end: end})

	return nil
}

func (f *fakeReserver) SetupPageTable(id int32, start, size, poolPageOffset uint64) error {
	f.pageTables = append(f.pageTables, fakePageTable{id: id, start: start, size: size, poolPgoff: poolPageOffset})

	return nil
}

type poolWrite struct {
	offset  uint64
	payload []byte
}

// fakePool records acknowledged writes and can fail the first failEvery[n]
// attempts of write n.
type fakePool struct {
	writes     []poolWrite
	writeCalls int
	failWrites map[int]int // write index -> failures to inject
	closed     bool
}

func (f *fakePool) WriteAt(ctx context.Context, payload []byte, byteOffset uint64) error {
	index := len(f.writes)
	f.writeCalls++

	if remaining, ok := f.failWrites[index]; ok && remaining > 0 {
		f.failWrites[index]--

		return fmt.Errorf("injected transport failure for write %d", index)
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	f.writes = append(f.writes, poolWrite{offset: byteOffset, payload: data})

	return nil
}

func (f *fakePool) Close() error {
	f.closed = true

	return nil
}

// writeSnapshotFiles lays down a snapshot metadata file and a memory file
// whose content is the regions' sizes concatenated, filled with a per-region
// byte marker.
func writeSnapshotFiles(t *testing.T, dir, name string, regions []snapshot.Region) (string, string) {
	t.Helper()

	metadata, err := json.Marshal(regions)
	require.NoError(t, err)

	snapshotPath := filepath.Join(dir, name+".snap")
	require.NoError(t, os.WriteFile(snapshotPath, metadata, 0o644))

	var image []byte
	for i, region := range regions {
		chunk := make([]byte, region.Size)
		for j := range chunk {
			chunk[j] = byte(i + 1)
		}

		image = append(image, chunk...)
	}

	memfilePath := filepath.Join(dir, name+".mem")
	require.NoError(t, os.WriteFile(memfilePath, image, 0o644))

	return snapshotPath, memfilePath
}
