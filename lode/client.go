package lode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// ErrInvalidFilename is returned by PutFile for names that would escape the
// partition directory.
var ErrInvalidFilename = errors.New("invalid filename")

// LodeClient is a Lode-backed implementation of Client.
type LodeClient struct {
	dataset      lode.Dataset
	config       Config
	storeFactory lode.StoreFactory

	storeOnce sync.Once
	store     lode.Store
	storeErr  error
}

// NewLodeClient creates a client with filesystem storage under root.
func NewLodeClient(cfg Config, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a client with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewLodeClientWithFactory(cfg Config, factory lode.StoreFactory) (*LodeClient, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return &LodeClient{dataset: ds, config: cfg, storeFactory: factory}, nil
}

func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// WriteJobs implements Client.
func (c *LodeClient) WriteJobs(ctx context.Context, jobs []JobRecord) error {
	if len(jobs) == 0 {
		return nil
	}
	records := make([]any, len(jobs))
	for i, j := range jobs {
		records[i] = c.jobMap(j)
	}
	if _, err := c.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.config.Dataset+"/"+RecordKindJob)
	}
	return nil
}

// WriteChunks implements Client.
func (c *LodeClient) WriteChunks(ctx context.Context, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	records := make([]any, len(chunks))
	for i, ch := range chunks {
		records[i] = c.chunkMap(ch)
	}
	if _, err := c.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.config.Dataset+"/"+RecordKindChunk)
	}
	return nil
}

// PutFile implements Client. The store is created lazily on first use.
func (c *LodeClient) PutFile(ctx context.Context, source, filename string, data []byte) (string, error) {
	if filename == "" || strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	c.storeOnce.Do(func() {
		c.store, c.storeErr = c.storeFactory()
	})
	if c.storeErr != nil {
		return "", WrapInitError(c.storeErr, c.config.Dataset)
	}
	path := c.FilePath(source, filename)
	if err := c.store.Put(ctx, path, bytes.NewReader(data)); err != nil {
		return "", WrapWriteError(err, path)
	}
	return path, nil
}

// FilePath returns the store path of a file in the source's partition:
// datasets/<dataset>/partitions/source=<s>/day=<d>/run_id=<r>/files/<filename>.
func (c *LodeClient) FilePath(source, filename string) string {
	return fmt.Sprintf("datasets/%s/partitions/source=%s/day=%s/run_id=%s/files/%s",
		c.config.Dataset, source, c.config.Day, c.config.RunID, filename)
}

// Close implements Client. Datasets hold no resources.
func (c *LodeClient) Close() error {
	return nil
}

var _ Client = (*LodeClient)(nil)

// StubClient records writes in memory for tests.
type StubClient struct {
	mu     sync.Mutex
	Files  map[string][]byte
	Jobs   []JobRecord
	Chunks []ChunkRecord
	Closed bool
	// PutErr, when set, fails every PutFile.
	PutErr error
}

// NewStubClient creates an empty stub client.
func NewStubClient() *StubClient {
	return &StubClient{Files: make(map[string][]byte)}
}

// PutFile implements Client.
func (c *StubClient) PutFile(_ context.Context, source, filename string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PutErr != nil {
		return "", c.PutErr
	}
	path := source + "/" + filename
	c.Files[path] = append([]byte(nil), data...)
	return path, nil
}

// WriteJobs implements Client.
func (c *StubClient) WriteJobs(_ context.Context, jobs []JobRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Jobs = append(c.Jobs, jobs...)
	return nil
}

// WriteChunks implements Client.
func (c *StubClient) WriteChunks(_ context.Context, chunks []ChunkRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Chunks = append(c.Chunks, chunks...)
	return nil
}

// Close implements Client.
func (c *StubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

var _ Client = (*StubClient)(nil)
