package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/dunamismax/roomseg/internal/segment"
	"github.com/dunamismax/roomseg/internal/storage"
	"github.com/dunamismax/roomseg/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngOutput = []byte("\x89PNG annotated")

func okSegmenter() segment.Segmenter {
	return segment.Func(func(context.Context, []byte) ([]byte, error) {
		return pngOutput, nil
	})
}

// faultyBlobs wraps the memory store and fails selected operations by key
// prefix.
type faultyBlobs struct {
	*storage.MemoryStore
	failPut  string
	failGet  string
	failSign string
}

func (b *faultyBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if b.failPut != "" && strings.HasPrefix(key, b.failPut) {
		return errors.New("bucket unavailable")
	}
	return b.MemoryStore.Put(ctx, key, data, contentType)
}

func (b *faultyBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	if b.failGet != "" && strings.HasPrefix(key, b.failGet) {
		return nil, errors.New("bucket unavailable")
	}
	return b.MemoryStore.Get(ctx, key)
}

func (b *faultyBlobs) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if b.failSign != "" && strings.Contains(key, b.failSign) {
		return "", errors.New("signer unavailable")
	}
	return b.MemoryStore.SignedURL(ctx, key, expiry)
}

type faultyJobs struct {
	*store.MemoryJobStore
	failCreate   bool
	failComplete bool
	failFail     bool
	// lostAck stores the done status but still reports an error.
	lostAck bool
}

func (s *faultyJobs) Create(ctx context.Context, job domain.Job) error {
	if s.failCreate {
		return errors.New("database unavailable")
	}
	return s.MemoryJobStore.Create(ctx, job)
}

func (s *faultyJobs) Complete(ctx context.Context, id, resultKey string) (domain.Job, error) {
	if s.failComplete {
		return domain.Job{}, errors.New("database unavailable")
	}
	if s.lostAck {
		_, _ = s.MemoryJobStore.Complete(ctx, id, resultKey)
		return domain.Job{}, errors.New("connection reset")
	}
	return s.MemoryJobStore.Complete(ctx, id, resultKey)
}

func (s *faultyJobs) Fail(ctx context.Context, id, reason string) (domain.Job, error) {
	if s.failFail {
		return domain.Job{}, errors.New("database unavailable")
	}
	return s.MemoryJobStore.Fail(ctx, id, reason)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.JobEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

type fixture struct {
	manager *Manager
	blobs   *faultyBlobs
	jobs    *faultyJobs
}

func newFixture(t *testing.T, seg segment.Segmenter, opts Options) fixture {
	t.Helper()

	f := fixture{
		blobs: &faultyBlobs{MemoryStore: storage.NewMemoryStore("room-segmentation")},
		jobs:  &faultyJobs{MemoryJobStore: store.NewMemoryJobStore()},
	}
	if opts.WorkerTimeout == 0 {
		opts.WorkerTimeout = 2 * time.Second
	}
	if opts.MaxActive == 0 {
		opts.MaxActive = 2
	}
	manager, err := NewManager(f.blobs, f.jobs, seg, opts)
	require.NoError(t, err)
	f.manager = manager
	return f
}

func imageRequest(owner string) SubmitRequest {
	return SubmitRequest{
		OwnerID:     owner,
		ContentType: "image/png",
		Filename:    "living room.png",
		Data:        []byte("raw photo bytes"),
	}
}

func TestSubmit_CompletesAndServesResult(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newFixture(t, okSegmenter(), Options{Publisher: publisher})
	ctx := context.Background()

	handle, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, handle.Status)
	assert.NotEmpty(t, handle.ID)

	job, ok, err := f.jobs.Get(ctx, handle.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", job.OwnerID)
	assert.Equal(t, storage.ResultKey(handle.ID), job.ResultKey)
	assert.True(t, strings.HasPrefix(job.OriginalKey, "uploads/alice_"))
	assert.True(t, strings.HasSuffix(job.OriginalKey, "_living room.png"))

	contentType, ok := f.blobs.ContentType(job.ResultKey)
	require.True(t, ok)
	assert.Equal(t, "image/png", contentType)

	view, err := f.manager.GetResult(ctx, handle.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, view.Status)
	assert.NotEmpty(t, view.URL)

	_, err = f.manager.GetResult(ctx, handle.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, domain.EventJobCompleted, publisher.events[0].Type)
	assert.Equal(t, handle.ID, publisher.events[0].JobID)
}

func TestSubmit_RejectsNonImageWithoutSideEffects(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	ctx := context.Background()

	req := imageRequest("alice")
	req.ContentType = "text/plain"
	_, err := f.manager.Submit(ctx, req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, 0, f.blobs.Len())
	history, err := f.manager.ListHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSubmit_AcceptsContentTypeCaseInsensitively(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})

	req := imageRequest("alice")
	req.ContentType = "  IMAGE/JPEG "
	handle, err := f.manager.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, handle.Status)
}

func TestSubmit_RejectsBadWebhookURL(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})

	req := imageRequest("alice")
	req.WebhookURL = "ftp://example.com/hook"
	_, err := f.manager.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, f.blobs.Len())
}

func TestSubmit_WorkerFailureMarksJobFailed(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newFixture(t, segment.Func(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("cannot identify image file")
	}), Options{Publisher: publisher})
	ctx := context.Background()

	handle, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrProcessing)
	assert.NotEmpty(t, handle.ID)
	assert.Equal(t, domain.JobStatusFailed, handle.Status)

	job, ok, err := f.jobs.Get(ctx, handle.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Empty(t, job.ResultKey)
	assert.Contains(t, job.FailureReason, "cannot identify image file")

	view, err := f.manager.GetResult(ctx, handle.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ResultView{Status: domain.JobStatusFailed}, view)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, domain.EventJobFailed, publisher.events[0].Type)
}

func TestSubmit_WorkerPanicMarksJobFailed(t *testing.T) {
	f := newFixture(t, segment.Func(func(context.Context, []byte) ([]byte, error) {
		panic("corrupt model weights")
	}), Options{})

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrProcessing)

	job, _, err := f.jobs.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.FailureReason, "panic")
}

func TestSubmit_WorkerTimeoutMarksJobFailed(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	f := newFixture(t, segment.Func(func(context.Context, []byte) ([]byte, error) {
		<-release
		return pngOutput, nil
	}), Options{WorkerTimeout: 30 * time.Millisecond})

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrProcessing)
	require.ErrorIs(t, err, ErrWorkerTimeout)

	job, _, err := f.jobs.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Empty(t, job.ResultKey)
}

func TestSubmit_ResultWriteFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	f.blobs.failPut = "results/"

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrProcessing)

	job, _, err := f.jobs.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Empty(t, job.ResultKey)
}

func TestSubmit_OriginalWriteFailureCreatesNoRecord(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	f.blobs.failPut = "uploads/"

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrStorage)
	assert.Empty(t, handle.ID)

	history, err := f.manager.ListHistory(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSubmit_RecordCreateFailureRemovesOriginal(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	f.jobs.failCreate = true

	_, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 0, f.blobs.Len())
}

func TestSubmit_CompletionWriteFailureMarksJobFailed(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newFixture(t, okSegmenter(), Options{Publisher: publisher})
	f.jobs.failComplete = true

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrProcessing)
	assert.NotErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, domain.JobStatusFailed, handle.Status)

	job, _, err := f.jobs.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Empty(t, job.ResultKey)
	assert.Contains(t, job.FailureReason, "complete job")
	assert.Equal(t, 1, f.blobs.Len(), "only the original should remain")
	require.Len(t, publisher.events, 1)
	assert.Equal(t, domain.EventJobFailed, publisher.events[0].Type)
}

func TestSubmit_TerminalWriteFailureIsPersistenceError(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	f.jobs.failComplete = true
	f.jobs.failFail = true

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, domain.JobStatusProcessing, handle.Status)

	job, _, err := f.jobs.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
}

func TestSubmit_LostCompletionAckKeepsDone(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	f.jobs.lostAck = true

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, handle.Status)

	view, err := f.manager.GetResult(context.Background(), handle.ID, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, view.URL)
	assert.Equal(t, 2, f.blobs.Len())
}

func TestFailureReasonKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("a", maxReasonLength-1) + "é and more"
	reason := failureReason(errors.New(long))
	assert.True(t, utf8.ValidString(reason))
	assert.LessOrEqual(t, len(reason), maxReasonLength)
	assert.Equal(t, strings.Repeat("a", maxReasonLength-1), reason)

	reason = failureReason(errors.New("bad \xff byte"))
	assert.True(t, utf8.ValidString(reason))
	assert.Equal(t, "short", failureReason(errors.New("short")))
}

func TestSubmit_ClientCancellationDoesNotAbandonJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, segment.Func(func(segCtx context.Context, _ []byte) ([]byte, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if err := segCtx.Err(); err != nil {
			return nil, err
		}
		return pngOutput, nil
	}), Options{})

	handle, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, handle.Status)
}

func TestSubmit_PublishFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{Publisher: &recordingPublisher{err: errors.New("redis down")}})

	handle, err := f.manager.Submit(context.Background(), imageRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, handle.Status)
}

func TestSubmit_RespectsMaxActiveWorkers(t *testing.T) {
	var active, peak int32
	f := newFixture(t, segment.Func(func(context.Context, []byte) ([]byte, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return pngOutput, nil
	}), Options{MaxActive: 1})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Submit(context.Background(), imageRequest("alice"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestGetResult_UnknownJobIsNotFound(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})

	_, err := f.manager.GetResult(context.Background(), "4b1a3f0e-missing", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetResult_SigningFailureLeavesRecord(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	ctx := context.Background()

	handle, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)

	f.blobs.failSign = "results/"
	_, err = f.manager.GetResult(ctx, handle.ID, "alice")
	require.ErrorIs(t, err, domain.ErrStorage)

	job, _, err := f.jobs.Get(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, job.Status)
}

func TestGetResult_RepeatedReadsAreStable(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	ctx := context.Background()

	handle, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)
	before, _, _ := f.jobs.Get(ctx, handle.ID)

	for i := 0; i < 3; i++ {
		view, err := f.manager.GetResult(ctx, handle.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDone, view.Status)
	}

	after, _, _ := f.jobs.Get(ctx, handle.ID)
	assert.Equal(t, before, after)
}

func TestListHistory_ReturnsOnlyOwnedJobsInOrder(t *testing.T) {
	var calls int32
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, segment.Func(func(context.Context, []byte) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) == 2 {
			return nil, errors.New("bad image")
		}
		return pngOutput, nil
	}), Options{Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}})
	ctx := context.Background()

	first, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)
	second, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.Error(t, err)
	_, err = f.manager.Submit(ctx, imageRequest("bob"))
	require.NoError(t, err)

	history, err := f.manager.ListHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, domain.JobStatusDone, history[0].Status)
	assert.NotEmpty(t, history[0].OriginalURL)
	assert.NotEmpty(t, history[0].ResultURL)

	assert.Equal(t, second.ID, history[1].ID)
	assert.Equal(t, domain.JobStatusFailed, history[1].Status)
	assert.NotEmpty(t, history[1].OriginalURL)
	assert.Empty(t, history[1].ResultURL)
}

func TestListHistory_IsolatesSigningFailures(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	ctx := context.Background()

	broken, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)
	healthy, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)

	f.blobs.failSign = broken.ID
	history, err := f.manager.ListHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)

	byID := map[string]HistoryItem{}
	for _, item := range history {
		byID[item.ID] = item
	}
	assert.NotEmpty(t, byID[broken.ID].Error)
	assert.Empty(t, byID[broken.ID].ResultURL)
	assert.Empty(t, byID[healthy.ID].Error)
	assert.NotEmpty(t, byID[healthy.ID].ResultURL)
}

func TestResubmit_ReusesOriginalInNewJob(t *testing.T) {
	var calls int32
	f := newFixture(t, segment.Func(func(context.Context, []byte) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient model error")
		}
		return pngOutput, nil
	}), Options{})
	ctx := context.Background()

	failed, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.ErrorIs(t, err, domain.ErrProcessing)
	source, _, _ := f.jobs.Get(ctx, failed.ID)

	_, err = f.manager.Resubmit(ctx, failed.ID, "bob")
	require.ErrorIs(t, err, domain.ErrForbidden)

	retried, err := f.manager.Resubmit(ctx, failed.ID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, failed.ID, retried.SourceJobID)
	assert.Equal(t, domain.JobStatusDone, retried.Status)

	job, _, err := f.jobs.Get(ctx, retried.ID)
	require.NoError(t, err)
	assert.Equal(t, source.OriginalKey, job.OriginalKey)

	unchanged, _, _ := f.jobs.Get(ctx, failed.ID)
	assert.Equal(t, source, unchanged)
}

func TestResubmit_Errors(t *testing.T) {
	f := newFixture(t, okSegmenter(), Options{})
	ctx := context.Background()

	_, err := f.manager.Resubmit(ctx, "missing", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	done, err := f.manager.Submit(ctx, imageRequest("alice"))
	require.NoError(t, err)

	f.blobs.failGet = "uploads/"
	_, err = f.manager.Resubmit(ctx, done.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrStorage)

	require.NoError(t, f.jobs.MemoryJobStore.Create(ctx, domain.Job{
		ID:          "in-flight",
		OwnerID:     "alice",
		OriginalKey: "uploads/alice_x_a.png",
		Status:      domain.JobStatusProcessing,
	}))
	_, err = f.manager.Resubmit(ctx, "in-flight", "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
