package ioexec

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*pool.Pool, *Executor) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.db")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8<<20))
	require.NoError(t, f.Close())

	cfg, err := config.New(config.WithSources(path), config.WithChunkCapacityLog2(20))
	require.NoError(t, err)

	p, err := pool.Open(cfg)
	require.NoError(t, err)

	exec, err := New(p, Config{
		URingEntries:     64,
		SQThreadCPU:      -1,
		RDBuffers:        4,
		WRBuffers:        4,
		MaxInflightReads: 2,
	})
	if err != nil {
		p.Close()
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() {
		exec.Close()
		p.Close()
	})
	return p, exec
}

func TestExecutor_WriteThenReadRoundTrip(t *testing.T) {
	_, exec := newTestExecutor(t)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	writeBuf := make([]byte, len(payload))
	copy(writeBuf, payload)

	writeDone := make(chan Result, 1)
	exec.SubmitWrite(writeBuf, pool.ChunkOffset{ChunkID: 1, ByteOffset: 0}, &Op{
		receiver: func(_ *Op, res Result) { writeDone <- res },
	})
	exec.WaitUntilDone()

	select {
	case res := <-writeDone:
		require.NoError(t, res.Err)
	default:
		t.Fatal("write did not complete")
	}

	readBuf := make([]byte, len(payload))
	readDone := make(chan Result, 1)
	exec.SubmitRead(readBuf, pool.ChunkOffset{ChunkID: 1, ByteOffset: 0}, &Op{
		receiver: func(_ *Op, res Result) { readDone <- res },
	})
	exec.WaitUntilDone()

	select {
	case res := <-readDone:
		require.NoError(t, res.Err)
		assert.Equal(t, len(payload), res.N)
	default:
		t.Fatal("read did not complete")
	}
	assert.True(t, bytes.Equal(payload, readBuf))
}

func TestExecutor_InflightReadCapQueuesFIFO(t *testing.T) {
	_, exec := newTestExecutor(t) // MaxInflightReads: 2

	var order []int
	done := make(chan int, 5)
	for i := 0; i < 5; i++ {
		i := i
		buf := make([]byte, 16)
		exec.SubmitRead(buf, pool.ChunkOffset{ChunkID: 1, ByteOffset: uint64(i * 16)}, &Op{
			receiver: func(_ *Op, res Result) {
				order = append(order, i)
				done <- i
			},
		})
	}
	exec.WaitUntilDone()

	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Len(t, order, 5)
}

func TestExecutor_SubmitTimedFiresOnPoll(t *testing.T) {
	_, exec := newTestExecutor(t)

	fired := make(chan struct{}, 1)
	exec.SubmitTimed(10*time.Millisecond, &Op{
		receiver: func(_ *Op, _ Result) { close(fired) },
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		exec.Poll(false, 8)
		select {
		case <-fired:
			return
		default:
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed op never fired")
}

func TestExecutor_ReadScatterAggregatesResult(t *testing.T) {
	_, exec := newTestExecutor(t)

	full := []byte("0123456789ABCDEF")
	writeBuf := make([]byte, len(full))
	copy(writeBuf, full)
	writeDone := make(chan Result, 1)
	exec.SubmitWrite(writeBuf, pool.ChunkOffset{ChunkID: 2, ByteOffset: 0}, &Op{
		receiver: func(_ *Op, res Result) { writeDone <- res },
	})
	exec.WaitUntilDone()
	require.NoError(t, (<-writeDone).Err)

	part1 := make([]byte, 8)
	part2 := make([]byte, 8)
	scatterDone := make(chan Result, 1)
	exec.SubmitReadScatter([][]byte{part1, part2}, pool.ChunkOffset{ChunkID: 2, ByteOffset: 0}, &Op{
		receiver: func(_ *Op, res Result) { scatterDone <- res },
	})
	exec.WaitUntilDone()

	res := <-scatterDone
	require.NoError(t, res.Err)
	assert.Equal(t, len(full), res.N)
	assert.Equal(t, full[:8], part1)
	assert.Equal(t, full[8:], part2)
}
