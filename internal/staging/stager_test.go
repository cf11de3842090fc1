package staging_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"testing/iotest"
	"time"

	"gcsgate/internal/pool"
	"gcsgate/internal/staging"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chunks is a Source over fixed chunks, optionally failing after them.
type chunks struct {
	data [][]byte
	err  error
}

func (c *chunks) Next() ([]byte, error) {
	if len(c.data) == 0 {
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	}
	next := c.data[0]
	c.data = c.data[1:]
	return next, nil
}

type countingObserver struct {
	staged   atomic.Int64
	failures atomic.Int32
}

func (o *countingObserver) Staged(n int64) { o.staged.Add(n) }
func (o *countingObserver) CleanupFailed() { o.failures.Add(1) }

func newStager(t *testing.T, opts ...staging.Option) *staging.Stager {
	t.Helper()

	p := pool.New(4)
	t.Cleanup(func() { _ = p.Close() })

	s, err := staging.New(t.TempDir(), p, opts...)
	require.NoError(t, err, "staging.New")
	return s
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestStageWritesChunksInOrder(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	s := newStager(t, staging.WithObserver(obs))

	src := &chunks{data: [][]byte{[]byte("hello "), []byte("staged "), []byte("world")}}
	staged, err := s.Stage(t.Context(), "greeting.txt", src)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(s.Dir(), "greeting.txt"), staged.Path)
	require.EqualValues(t, len("hello staged world"), staged.Size)
	require.EqualValues(t, staged.Size, obs.staged.Load())

	got, err := os.ReadFile(staged.Path)
	require.NoError(t, err)
	require.Equal(t, "hello staged world", string(got))

	require.NoError(t, staged.Release(t.Context()))
	require.NoFileExists(t, staged.Path)
}

func TestStageEmptySourceCreatesEmptyFile(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	staged, err := s.Stage(t.Context(), "empty.bin", &chunks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = staged.Release(context.Background()) })

	info, err := os.Stat(staged.Path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
	require.Zero(t, staged.Size)
}

func TestStageConfinesTraversalToWorkDir(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	staged, err := s.Stage(t.Context(), "../../etc/passwd", &chunks{data: [][]byte{[]byte("root:x:0:0")}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = staged.Release(context.Background()) })

	require.Equal(t, filepath.Join(s.Dir(), "passwd"), staged.Path)
	require.Equal(t, []string{"passwd"}, dirEntries(t, s.Dir()))
}

func TestStageRejectsUnusableName(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	_, err := s.Stage(t.Context(), "..", &chunks{data: [][]byte{[]byte("x")}})
	require.ErrorIs(t, err, staging.ErrMissingFilename)
	require.Empty(t, dirEntries(t, s.Dir()))
}

func TestStageSourceFailureLeavesNothingBehind(t *testing.T) {
	t.Parallel()

	s := newStager(t)
	boom := errors.New("client went away")

	src := &chunks{data: [][]byte{[]byte("partial")}, err: boom}
	_, err := s.Stage(t.Context(), "broken.bin", src)
	require.ErrorIs(t, err, boom)
	require.Empty(t, dirEntries(t, s.Dir()))

	// The path lock was released: a retry proceeds immediately.
	staged, err := s.Stage(t.Context(), "broken.bin", &chunks{})
	require.NoError(t, err)
	require.NoError(t, staged.Release(t.Context()))
}

// countingSource counts how many chunks were requested from the wrapped
// Source.
type countingSource struct {
	staging.Source
	calls int
}

func (c *countingSource) Next() ([]byte, error) {
	c.calls++
	return c.Source.Next()
}

func TestStageWriteFailureStopsReading(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}

	s := newStager(t)

	// Every write to /dev/full fails with ENOSPC, like a full disk.
	require.NoError(t, os.Symlink("/dev/full", filepath.Join(s.Dir(), "full.bin")))

	src := &countingSource{Source: &chunks{data: [][]byte{[]byte("one"), []byte("two"), []byte("three")}}}
	_, err := s.Stage(t.Context(), "full.bin", src)
	require.ErrorIs(t, err, syscall.ENOSPC)
	require.Equal(t, 1, src.calls, "no chunk may be read after a failed write")
	require.Empty(t, dirEntries(t, s.Dir()))

	// The path lock was released.
	staged, err := s.Stage(t.Context(), "full.bin", &chunks{data: [][]byte{[]byte("ok")}})
	require.NoError(t, err)
	require.NoError(t, staged.Release(t.Context()))
}

func TestStageCanceledContextLeavesNothingBehind(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	ctx, cancel := context.WithCancel(t.Context())
	src := &cancelingSource{cancel: cancel}

	_, err := s.Stage(ctx, "canceled.bin", src)
	require.ErrorIs(t, err, pool.ErrCanceled)
	require.Empty(t, dirEntries(t, s.Dir()))
}

// cancelingSource cancels the request context as soon as the first chunk is
// requested, simulating a caller disconnecting mid-stream.
type cancelingSource struct {
	cancel context.CancelFunc
}

func (c *cancelingSource) Next() ([]byte, error) {
	c.cancel()
	return []byte("data"), nil
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	staged, err := s.Stage(t.Context(), "twice.txt", &chunks{data: [][]byte{[]byte("x")}})
	require.NoError(t, err)

	require.NoError(t, staged.Release(t.Context()))
	require.NoError(t, staged.Release(t.Context()))
	require.NoFileExists(t, staged.Path)
}

func TestReleaseRunsWithCanceledContext(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	staged, err := s.Stage(t.Context(), "late.txt", &chunks{data: [][]byte{[]byte("x")}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.NoError(t, staged.Release(ctx))
	require.NoFileExists(t, staged.Path)
}

func TestOpenReadsStagedContent(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	staged, err := s.Stage(t.Context(), "read.txt", &chunks{data: [][]byte{[]byte("abc"), []byte("def")}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = staged.Release(context.Background()) })

	f, err := staged.Open(t.Context())
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(got))
}

func TestSameNameUploadsAreSerialized(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	first, err := s.Stage(t.Context(), "same.txt", &chunks{data: [][]byte{[]byte("first")}})
	require.NoError(t, err)

	done := make(chan *staging.StagedFile, 1)
	go func() {
		second, err := s.Stage(context.Background(), "same.txt", &chunks{data: [][]byte{[]byte("second")}})
		if err == nil {
			done <- second
		}
	}()

	require.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"second upload must wait for the first to be released")

	got, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	require.Equal(t, "first", string(got), "first upload's staged content must be untouched")

	require.NoError(t, first.Release(t.Context()))

	second := <-done
	got, err = os.ReadFile(second.Path)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
	require.NoError(t, second.Release(t.Context()))
}

func TestDistinctNamesDoNotShareAPath(t *testing.T) {
	t.Parallel()

	s := newStager(t)

	a, err := s.Stage(t.Context(), "a.txt", &chunks{data: [][]byte{[]byte("A")}})
	require.NoError(t, err)
	b, err := s.Stage(t.Context(), "b.txt", &chunks{data: [][]byte{[]byte("B")}})
	require.NoError(t, err)

	require.NotEqual(t, a.Path, b.Path)
	require.NoError(t, a.Release(t.Context()))
	require.NoError(t, b.Release(t.Context()))
}

func TestRawSourceChunksBody(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("x"), staging.ChunkSize*2+10)
	src := staging.NewRawSource(bytes.NewReader(body))

	var total int
	var calls int
	for {
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, len(chunk), staging.ChunkSize)
		total += len(chunk)
		calls++
	}
	require.Equal(t, len(body), total)
	require.Equal(t, 3, calls)
}

func TestMultipartSourceConcatenatesParts(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "a.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("part one;"))
	fw, err = mw.CreateFormFile("file", "b.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("part two"))
	require.NoError(t, mw.Close())

	src := staging.NewMultipartSource(&buf, mw.Boundary())
	s := newStager(t)

	staged, err := s.Stage(t.Context(), "joined.txt", src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = staged.Release(context.Background()) })

	got, err := os.ReadFile(staged.Path)
	require.NoError(t, err)
	require.Equal(t, "part one;part two", string(got))
	require.Equal(t, 2, src.Parts())
}

func TestMultipartSourceMalformedFraming(t *testing.T) {
	t.Parallel()

	body := strings.NewReader("this is not a multipart body")
	src := staging.NewMultipartSource(body, "boundary")

	s := newStager(t)
	_, err := s.Stage(t.Context(), "bad.txt", src)
	require.ErrorIs(t, err, staging.ErrMalformedMultipart)
	require.Empty(t, dirEntries(t, s.Dir()))
}

func TestMultipartSourceBodyReadFailureIsNotFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "a.txt")
	require.NoError(t, err)
	_, _ = fw.Write(bytes.Repeat([]byte("x"), 4096))
	require.NoError(t, mw.Close())

	reset := errors.New("connection reset by peer")
	body := io.MultiReader(bytes.NewReader(buf.Bytes()[:buf.Len()/2]), iotest.ErrReader(reset))
	src := staging.NewMultipartSource(body, mw.Boundary())

	s := newStager(t)
	_, err = s.Stage(t.Context(), "cut.txt", src)
	require.ErrorIs(t, err, reset)
	require.NotErrorIs(t, err, staging.ErrMalformedMultipart)
	require.Empty(t, dirEntries(t, s.Dir()))
}
