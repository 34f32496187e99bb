package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vader-pepe/octo-potato/internal/chunker"
	"github.com/vader-pepe/octo-potato/internal/compress"
	"github.com/vader-pepe/octo-potato/internal/models"
	"github.com/vader-pepe/octo-potato/internal/storage"
)

// memStore is an in-memory blob endpoint. fail, when set, is consulted
// before every upload.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	next  int
	fail  func(ctx context.Context, data []byte) error
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

func (m *memStore) Upload(ctx context.Context, data []byte) (string, error) {
	if m.fail != nil {
		if err := m.fail(ctx, data); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	locator := fmt.Sprintf("mem://%d", m.next)
	m.next++
	m.blobs[locator] = bytes.Clone(data)
	return locator, nil
}

func (m *memStore) Download(ctx context.Context, locator string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[locator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrBlobMissing, locator)
	}
	return bytes.Clone(data), nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// recordingSink keeps every write
type recordingSink struct {
	writes [][]byte
}

func (rs *recordingSink) Write(p []byte) error {
	rs.writes = append(rs.writes, bytes.Clone(p))
	return nil
}

func (rs *recordingSink) bytes() []byte {
	return bytes.Join(rs.writes, nil)
}

func newTestIndex(t *testing.T) *storage.Index {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ix, err := storage.OpenIndex(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "store.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	require.NoError(t, ix.Init(context.Background()))
	return ix
}

func testConfig(workers int) Config {
	logger, _ := test.NewNullLogger()
	return Config{Workers: workers, Logger: logger}
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

// stripedBytes fills chunk i of size chunkSize with byte(i)
func stripedBytes(chunks int, chunkSize int) []byte {
	data := make([]byte, chunks*chunkSize)
	for i := range data {
		data[i] = byte(i / chunkSize)
	}
	return data
}

func TestIngestRetrieve_RoundTrip(t *testing.T) {
	const chunkSize = 1024

	sizes := []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 3 * chunkSize, 10*chunkSize + 7}
	for _, enc := range []compress.Encoding{compress.None, compress.LZ4} {
		for _, workers := range []int{1, 4, 16} {
			for _, size := range sizes {
				t.Run(fmt.Sprintf("%s/w%d/%d", enc, workers, size), func(t *testing.T) {
					ctx := context.Background()
					ix := newTestIndex(t)
					blobs := newMemStore()
					cfg := testConfig(workers)
					cfg.Encoding = enc

					data := randomBytes(size)
					file, err := NewIngester(ix, blobs, cfg).Ingest(ctx, IngestRequest{
						Name:      "f.bin",
						Size:      int64(size),
						ChunkSize: chunkSize,
					}, bytes.NewReader(data))
					require.NoError(t, err)
					assert.Equal(t, int64(size), file.Size)
					assert.Equal(t, models.ExpectedChunks(int64(size), chunkSize), file.ChunkCount)
					assert.Equal(t, file.ChunkCount, blobs.count())

					sink := &recordingSink{}
					written, err := NewRetriever(ix, blobs, cfg).Retrieve(ctx, file.ID, sink)
					require.NoError(t, err)
					assert.Equal(t, int64(size), written)
					assert.True(t, bytes.Equal(data, sink.bytes()))
				})
			}
		}
	}
}

func TestIngest_UnknownSize(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()

	data := randomBytes(2500)
	file, err := NewIngester(ix, blobs, testConfig(2)).Ingest(ctx, IngestRequest{
		Name:      "piped",
		Size:      -1,
		ChunkSize: 1000,
	}, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(2500), file.Size)
	assert.Equal(t, 3, file.ChunkCount)
}

func TestIngest_FifteenMillionBytes(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()
	cfg := testConfig(4)

	data := randomBytes(15_000_000)
	file, err := NewIngester(ix, blobs, cfg).Ingest(ctx, IngestRequest{
		Name:      "big.bin",
		Size:      15_000_000,
		ChunkSize: 7_000_000,
	}, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_000), file.Size)
	assert.Equal(t, 3, file.ChunkCount)

	chunks, err := ix.GetChunks(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(7_000_000), chunks[0].Size)
	assert.Equal(t, int64(7_000_000), chunks[1].Size)
	assert.Equal(t, int64(1_000_000), chunks[2].Size)

	out := filepath.Join(t.TempDir(), "big.out")
	sink, err := NewFileSink(out)
	require.NoError(t, err)
	written, err := NewRetriever(ix, blobs, cfg).Retrieve(ctx, file.ID, sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, int64(15_000_000), written)

	exported, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, exported))
}

func TestCoordinator_OrderInvariance(t *testing.T) {
	const chunkSize = 16
	const chunks = 24

	for _, workers := range []int{1, 4, 16} {
		t.Run(fmt.Sprintf("w%d", workers), func(t *testing.T) {
			blobs := newMemStore()
			// Earlier chunks finish later.
			blobs.fail = func(ctx context.Context, data []byte) error {
				time.Sleep(time.Duration(chunks-int(data[0])) * time.Millisecond)
				return nil
			}

			splitter, err := chunker.NewChunker(chunkSize)
			require.NoError(t, err)
			data := stripedBytes(chunks, chunkSize)

			result, err := NewCoordinator(blobs, testConfig(workers)).Run(context.Background(), "f", chunks, splitter.Split(bytes.NewReader(data)))
			require.NoError(t, err)
			require.Len(t, result, chunks)

			for i, chunk := range result {
				assert.Equal(t, i, chunk.Index)
				blob, err := blobs.Download(context.Background(), chunk.Locator)
				require.NoError(t, err)
				assert.Equal(t, byte(i), blob[0])
			}
		})
	}
}

func TestCoordinator_BoundsInFlightUploads(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("w%d", workers), func(t *testing.T) {
			var inFlight, peak atomic.Int32
			blobs := newMemStore()
			blobs.fail = func(ctx context.Context, data []byte) error {
				now := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				return nil
			}

			splitter, err := chunker.NewChunker(8)
			require.NoError(t, err)
			_, err = NewCoordinator(blobs, testConfig(workers)).Run(context.Background(), "f", -1,
				splitter.Split(bytes.NewReader(make([]byte, 8*40))))
			require.NoError(t, err)

			assert.LessOrEqual(t, int(peak.Load()), workers)
			assert.GreaterOrEqual(t, int(peak.Load()), 1)
		})
	}
}

// countingSource hands out chunks of a fixed size and counts calls
type countingSource struct {
	limit int
	calls atomic.Int32
}

func (cs *countingSource) Next() (*models.ChunkData, error) {
	n := int(cs.calls.Add(1)) - 1
	if n >= cs.limit {
		return nil, io.EOF
	}
	return &models.ChunkData{Data: []byte{byte(n % 256)}, Index: n, Size: 1}, nil
}

func TestCoordinator_FailureCancelsAndStopsReading(t *testing.T) {
	rejected := fmt.Errorf("%w: 400 bad request", models.ErrUploadRejected)
	blobs := newMemStore()
	blobs.fail = func(ctx context.Context, data []byte) error {
		if data[0] == 3 {
			return rejected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	}

	source := &countingSource{limit: 1000}
	done, err := NewCoordinator(blobs, testConfig(4)).Run(context.Background(), "f", 1000, source)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUploadRejected)

	var stageErr *models.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageUpload, stageErr.Stage)
	assert.Equal(t, 3, stageErr.Index)
	assert.Contains(t, err.Error(), "upload: chunk 4/1000")

	assert.Less(t, int(source.calls.Load()), 1000)
	assert.Len(t, done, blobs.count())
	for _, chunk := range done {
		assert.NotEmpty(t, chunk.Locator)
	}
}

func TestCoordinator_EmptySource(t *testing.T) {
	splitter, err := chunker.NewChunker(8)
	require.NoError(t, err)
	result, err := NewCoordinator(newMemStore(), testConfig(4)).Run(context.Background(), "f", 0, splitter.Split(bytes.NewReader(nil)))
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestIngest_UploadFailureAborts(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()
	blobs.fail = func(ctx context.Context, data []byte) error {
		if data[0] == 2 {
			return fmt.Errorf("%w: retries exhausted", models.ErrUploadUnavailable)
		}
		return nil
	}

	_, err := NewIngester(ix, blobs, testConfig(1)).Ingest(ctx, IngestRequest{
		Name:      "f",
		Size:      5 * 10,
		ChunkSize: 10,
	}, bytes.NewReader(stripedBytes(5, 10)))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUploadUnavailable)

	files, err := ix.ListFiles(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, files)

	pending, err := ix.ListPending(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIngest_SizeMismatch(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)

	_, err := NewIngester(ix, newMemStore(), testConfig(2)).Ingest(ctx, IngestRequest{
		Name:      "f",
		Size:      100,
		ChunkSize: 10,
	}, bytes.NewReader(make([]byte, 50)))
	assert.ErrorIs(t, err, models.ErrSourceRead)

	files, err := ix.ListFiles(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

type brokenReader struct{ served bool }

func (br *brokenReader) Read(p []byte) (int, error) {
	if !br.served {
		br.served = true
		n := copy(p, make([]byte, 10))
		return n, nil
	}
	return 0, errors.New("disk on fire")
}

func TestIngest_SourceReadError(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)

	_, err := NewIngester(ix, newMemStore(), testConfig(2)).Ingest(ctx, IngestRequest{
		Name:      "f",
		Size:      -1,
		ChunkSize: 10,
	}, &brokenReader{})
	assert.ErrorIs(t, err, models.ErrSourceRead)

	var stageErr *models.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageSplit, stageErr.Stage)

	pending, err := ix.ListPending(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIngest_CancelledNeverCommits(t *testing.T) {
	ix := newTestIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIngester(ix, newMemStore(), testConfig(2)).Ingest(ctx, IngestRequest{
		Name:      "f",
		Size:      30,
		ChunkSize: 10,
	}, bytes.NewReader(make([]byte, 30)))
	assert.ErrorIs(t, err, context.Canceled)

	files, err := ix.ListFiles(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, files)
	pending, err := ix.ListPending(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIngest_InvalidChunkSize(t *testing.T) {
	_, err := NewIngester(newTestIndex(t), newMemStore(), testConfig(1)).Ingest(context.Background(), IngestRequest{
		Name:      "f",
		ChunkSize: 0,
	}, bytes.NewReader(nil))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestIngest_OversizedChunkSizeLeavesNothingPending(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()

	_, err := NewIngester(ix, blobs, testConfig(1)).Ingest(ctx, IngestRequest{
		Name:      "f",
		Size:      3,
		ChunkSize: 1 << 62,
	}, bytes.NewReader([]byte("abc")))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	pending, err := ix.ListPending(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, blobs.count())
}

func TestRetrieve_InflatedBlobRejected(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()
	cfg := testConfig(1)
	cfg.Encoding = compress.LZ4

	data := stripedBytes(2, 100)
	file, err := NewIngester(ix, blobs, cfg).Ingest(ctx, IngestRequest{
		Name:      "f",
		Size:      int64(len(data)),
		ChunkSize: 100,
	}, bytes.NewReader(data))
	require.NoError(t, err)

	chunks, err := ix.GetChunks(ctx, file.ID)
	require.NoError(t, err)
	bomb, err := compress.Encode(compress.LZ4, make([]byte, 8<<20))
	require.NoError(t, err)
	blobs.blobs[chunks[1].Locator] = bomb

	sink := &recordingSink{}
	_, err = NewRetriever(ix, blobs, cfg).Retrieve(ctx, file.ID, sink)
	assert.ErrorIs(t, err, models.ErrChecksumMismatch)
	assert.ErrorIs(t, err, compress.ErrTooLarge)

	var stageErr *models.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageDecode, stageErr.Stage)
	assert.Equal(t, data[:100], sink.bytes())
}

func ingestStriped(t *testing.T, ix *storage.Index, blobs *memStore, chunks, chunkSize int) (*models.File, []byte) {
	t.Helper()
	data := stripedBytes(chunks, chunkSize)
	file, err := NewIngester(ix, blobs, testConfig(4)).Ingest(context.Background(), IngestRequest{
		Name:      "f",
		Size:      int64(len(data)),
		ChunkSize: int64(chunkSize),
	}, bytes.NewReader(data))
	require.NoError(t, err)
	return file, data
}

func TestRetrieve_CorruptChunkStopsSink(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()
	file, data := ingestStriped(t, ix, blobs, 5, 100)

	chunks, err := ix.GetChunks(ctx, file.ID)
	require.NoError(t, err)
	blobs.blobs[chunks[2].Locator][17] ^= 0xff

	sink := &recordingSink{}
	written, err := NewRetriever(ix, blobs, testConfig(1)).Retrieve(ctx, file.ID, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrChecksumMismatch)

	var stageErr *models.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageVerify, stageErr.Stage)
	assert.Equal(t, 2, stageErr.Index)
	assert.Equal(t, 5, stageErr.Total)

	assert.Equal(t, int64(200), written)
	require.Len(t, sink.writes, 2)
	assert.Equal(t, data[:200], sink.bytes())
}

func TestRetrieve_TruncatedBlob(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()
	file, _ := ingestStriped(t, ix, blobs, 3, 100)

	chunks, err := ix.GetChunks(ctx, file.ID)
	require.NoError(t, err)
	blobs.blobs[chunks[0].Locator] = blobs.blobs[chunks[0].Locator][:50]

	sink := &recordingSink{}
	_, err = NewRetriever(ix, blobs, testConfig(1)).Retrieve(ctx, file.ID, sink)
	assert.ErrorIs(t, err, models.ErrChecksumMismatch)
	assert.Empty(t, sink.writes)
}

func TestRetrieve_MissingBlob(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()
	file, _ := ingestStriped(t, ix, blobs, 3, 100)

	chunks, err := ix.GetChunks(ctx, file.ID)
	require.NoError(t, err)
	delete(blobs.blobs, chunks[1].Locator)

	sink := &recordingSink{}
	_, err = NewRetriever(ix, blobs, testConfig(1)).Retrieve(ctx, file.ID, sink)
	assert.ErrorIs(t, err, models.ErrBlobMissing)

	var stageErr *models.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageDownload, stageErr.Stage)
	assert.Len(t, sink.writes, 1)
}

func TestRetrieve_UnknownFile(t *testing.T) {
	_, err := NewRetriever(newTestIndex(t), newMemStore(), testConfig(1)).Retrieve(context.Background(), "nope", &DiscardSink{})
	assert.ErrorIs(t, err, models.ErrFileNotFound)

	var stageErr *models.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageLookup, stageErr.Stage)
}

func TestRetrieve_SinkErrorStops(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	blobs := newMemStore()
	file, _ := ingestStriped(t, ix, blobs, 3, 10)

	_, err := NewRetriever(ix, blobs, testConfig(1)).Retrieve(ctx, file.ID, failingSink{})
	var stageErr *models.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageWrite, stageErr.Stage)
	assert.Equal(t, 0, stageErr.Index)
}

type failingSink struct{}

func (failingSink) Write([]byte) error { return errors.New("broken pipe") }

func TestFileSink_Truncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(path, []byte("stale content that is long"), 0o644))

	sink, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Write([]byte("new")))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestStreamAndDiscardSinks(t *testing.T) {
	var buf bytes.Buffer
	stream := NewStreamSink(&buf)
	require.NoError(t, stream.Write([]byte("ab")))
	require.NoError(t, stream.Write([]byte("c")))
	assert.Equal(t, "abc", buf.String())

	discard := &DiscardSink{}
	require.NoError(t, discard.Write([]byte("abcd")))
	assert.Equal(t, int64(4), discard.Written)
}
