package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testOptions(online bool) Options {
	return Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		ItemDelay:  time.Millisecond,
		Online:     online,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) of(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func syncCompletions(q *Queue) <-chan SyncResult {
	done := make(chan SyncResult, 8)
	q.Subscribe(func(ev Event) {
		if ev.Type == EventSyncComplete {
			done <- ev.Result
		}
	})
	return done
}

func awaitSync(t *testing.T, done <-chan SyncResult) SyncResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("sync never completed")
	}
	return SyncResult{}
}

func statusServer(t *testing.T, status int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestServerErrorRetriedThenDeadLettered(t *testing.T) {
	srv, hits := statusServer(t, http.StatusInternalServerError)
	q, err := New(NewMemoryStorage(), testOptions(true))
	assert.Equal(t, nil, err)
	defer q.Close()
	rec := &recorder{}
	q.Subscribe(rec.record)

	_, err = q.Enqueue(Mutation{Method: http.MethodPost, URL: srv.URL + "/blips"})
	assert.Equal(t, nil, err)
	res := q.Sync(context.Background())

	assert.Equal(t, SyncResult{Failed: 1}, res)
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
	assert.Equal(t, 0, len(q.Pending()))
	failed := rec.of(EventFailed)
	assert.Equal(t, 1, len(failed))
	assert.Equal(t, 3, failed[0].Mutation.Retries)
	assert.Equal(t, 1, len(rec.of(EventSyncComplete)))
}

func TestConflictCountsAsSuccess(t *testing.T) {
	srv, hits := statusServer(t, http.StatusConflict)
	q, err := New(NewMemoryStorage(), testOptions(true))
	assert.Equal(t, nil, err)
	defer q.Close()
	rec := &recorder{}
	q.Subscribe(rec.record)

	_, _ = q.Enqueue(Mutation{Method: http.MethodPut, URL: srv.URL + "/blips/b1"})
	res := q.Sync(context.Background())

	assert.Equal(t, SyncResult{Success: 1}, res)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	success := rec.of(EventSuccess)
	assert.Equal(t, 1, len(success))
	assert.Equal(t, true, success[0].Conflict)
	assert.Equal(t, 0, len(rec.of(EventFailed)))
}

func TestClientErrorIsPermanent(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadRequest)
	q, err := New(NewMemoryStorage(), testOptions(true))
	assert.Equal(t, nil, err)
	defer q.Close()
	rec := &recorder{}
	q.Subscribe(rec.record)

	_, _ = q.Enqueue(Mutation{Method: http.MethodPost, URL: srv.URL})
	res := q.Sync(context.Background())

	assert.Equal(t, SyncResult{Failed: 1}, res)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	failed := rec.of(EventFailed)
	assert.Equal(t, 1, len(failed))
	var se *StatusError
	assert.Equal(t, true, errors.As(failed[0].Err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestReplayIsFIFOAndRecoversFromTransientFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		fails int32 = 1
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if atomic.AddInt32(&fails, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mu.Lock()
		order = append(order, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	q, err := New(NewMemoryStorage(), testOptions(false))
	assert.Equal(t, nil, err)
	defer q.Close()
	for _, body := range []string{`"one"`, `"two"`, `"three"`} {
		_, err := q.Enqueue(Mutation{Method: http.MethodPost, URL: srv.URL, Body: []byte(body)})
		assert.Equal(t, nil, err)
	}

	// offline sync is a no-op
	assert.Equal(t, SyncResult{}, q.Sync(context.Background()))
	assert.Equal(t, 3, len(q.Pending()))

	done := make(chan SyncResult, 1)
	q.Subscribe(func(ev Event) {
		if ev.Type == EventSyncComplete {
			done <- ev.Result
		}
	})
	q.SetOnline(true)
	select {
	case res := <-done:
		assert.Equal(t, SyncResult{Success: 3}, res)
	case <-time.After(2 * time.Second):
		t.Fatal("sync never completed")
	}
	assert.Equal(t, []string{`"one"`, `"two"`, `"three"`}, order)
	assert.Equal(t, 0, len(q.Pending()))
}

func TestQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	storage, err := OpenBoltStorage(path)
	assert.Equal(t, nil, err)
	q, err := New(storage, testOptions(false))
	assert.Equal(t, nil, err)
	first, _ := q.Enqueue(Mutation{Method: http.MethodDelete, URL: "http://example.invalid/a", Meta: map[string]string{"blip": "b1"}})
	_, _ = q.Enqueue(Mutation{Method: http.MethodDelete, URL: "http://example.invalid/b"})
	assert.Equal(t, nil, q.Close())

	storage, err = OpenBoltStorage(path)
	assert.Equal(t, nil, err)
	q, err = New(storage, testOptions(false))
	assert.Equal(t, nil, err)
	defer q.Close()
	pending := q.Pending()
	assert.Equal(t, 2, len(pending))
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, "b1", pending[0].Meta["blip"])
	assert.Equal(t, "http://example.invalid/b", pending[1].URL)

	assert.Equal(t, nil, q.Clear())
	assert.Equal(t, 0, len(q.Pending()))
}

func TestDoQueuesWhileOffline(t *testing.T) {
	srv, hits := statusServer(t, http.StatusCreated)
	q, err := New(NewMemoryStorage(), testOptions(false))
	assert.Equal(t, nil, err)
	defer q.Close()

	res, err := q.Do(context.Background(), http.MethodPost, srv.URL, map[string]string{"text": "hi"})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, res.Queued)
	assert.Equal(t, `{"text":"hi"}`, string(res.Mutation.Body))
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))

	done := syncCompletions(q)
	q.SetOnline(true)
	assert.Equal(t, SyncResult{Success: 1}, awaitSync(t, done))
	assert.Equal(t, 0, len(q.Pending()))

	res, err = q.Do(context.Background(), http.MethodPost, srv.URL, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, res.Queued)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestDoReturnsClientErrors(t *testing.T) {
	srv, _ := statusServer(t, http.StatusUnprocessableEntity)
	q, err := New(NewMemoryStorage(), testOptions(true))
	assert.Equal(t, nil, err)
	defer q.Close()

	res, err := q.Do(context.Background(), http.MethodPatch, srv.URL, nil)
	var se *StatusError
	assert.Equal(t, true, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, 0, len(q.Pending()))
}

func TestEnqueueAfterClose(t *testing.T) {
	q, err := New(NewMemoryStorage(), testOptions(false))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, q.Close())
	_, err = q.Enqueue(Mutation{Method: http.MethodPost, URL: "http://example.invalid"})
	assert.Equal(t, ErrClosed, err)
}

func TestRestartWhileOnlineDrains(t *testing.T) {
	srv, hits := statusServer(t, http.StatusNoContent)
	path := filepath.Join(t.TempDir(), "queue.db")
	storage, err := OpenBoltStorage(path)
	assert.Equal(t, nil, err)
	q, err := New(storage, testOptions(false))
	assert.Equal(t, nil, err)
	_, _ = q.Enqueue(Mutation{Method: http.MethodPost, URL: srv.URL + "/a"})
	_, _ = q.Enqueue(Mutation{Method: http.MethodPost, URL: srv.URL + "/b"})
	assert.Equal(t, nil, q.Close())
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))

	storage, err = OpenBoltStorage(path)
	assert.Equal(t, nil, err)
	q, err = New(storage, testOptions(true))
	assert.Equal(t, nil, err)
	defer q.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(q.Pending()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained, %d pending", len(q.Pending()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestNetworkFailureRetriedThenDeadLettered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	q, err := New(NewMemoryStorage(), testOptions(true))
	assert.Equal(t, nil, err)
	defer q.Close()
	rec := &recorder{}
	q.Subscribe(rec.record)

	_, _ = q.Enqueue(Mutation{Method: http.MethodPost, URL: url + "/blips"})
	assert.Equal(t, SyncResult{Failed: 1}, q.Sync(context.Background()))

	failed := rec.of(EventFailed)
	assert.Equal(t, 1, len(failed))
	assert.Equal(t, 3, failed[0].Mutation.Retries)
	assert.NotEqual(t, nil, failed[0].Err)
	var se *StatusError
	assert.Equal(t, false, errors.As(failed[0].Err, &se))
	assert.Equal(t, 0, len(q.Pending()))
}

func TestRequestTimeoutTakesRetryPath(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	opts := testOptions(true)
	opts.RequestTimeout = 20 * time.Millisecond
	q, err := New(NewMemoryStorage(), opts)
	assert.Equal(t, nil, err)
	defer q.Close()
	rec := &recorder{}
	q.Subscribe(rec.record)

	_, _ = q.Enqueue(Mutation{Method: http.MethodPut, URL: srv.URL})
	assert.Equal(t, SyncResult{Failed: 1}, q.Sync(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	failed := rec.of(EventFailed)
	assert.Equal(t, 1, len(failed))
	assert.Equal(t, 3, failed[0].Mutation.Retries)
}

func TestDoReplaysTransientFailureRightAway(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	q, err := New(NewMemoryStorage(), testOptions(true))
	assert.Equal(t, nil, err)
	defer q.Close()
	done := syncCompletions(q)

	res, err := q.Do(context.Background(), http.MethodPost, srv.URL, map[string]int{"n": 1})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, res.Queued)

	assert.Equal(t, SyncResult{Success: 1}, awaitSync(t, done))
	assert.Equal(t, 0, len(q.Pending()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
