// Package offline queues REST mutations that could not be delivered and replays them in
// order once the client is back online.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrClosed = errors.New("queue closed")

// Mutation is one queued REST call. Retries only grows and is capped at the queue's
// MaxRetries, at which point the mutation is dead-lettered.
type Mutation struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Retries   int               `json:"retries"`
	LastError string            `json:"lastError,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type EventType string

const (
	EventAdded        EventType = "mutation-added"
	EventSuccess      EventType = "mutation-success"
	EventFailed       EventType = "mutation-failed"
	EventSyncComplete EventType = "sync-complete"
)

type Event struct {
	Type     EventType
	Mutation Mutation
	// Conflict is set on success events for mutations the server answered with 409.
	Conflict bool
	Err      error
	Result   SyncResult
}

type SyncResult struct {
	Success int
	Failed  int
}

type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	// ItemDelay throttles replay between consecutive mutations.
	ItemDelay      time.Duration
	RequestTimeout time.Duration
	// SyncInterval is how often Run retries a non-empty queue while online.
	SyncInterval time.Duration
	Online       bool
	Client       *http.Client
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.ItemDelay <= 0 {
		o.ItemDelay = 100 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// StatusError is a response the server will never accept.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

type Queue struct {
	storage Storage
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	items     []Mutation
	online    bool
	syncing   bool
	closed    bool
	listeners map[int]func(Event)
	nextID    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New rehydrates the queue from storage and, when already online, starts replaying it.
func New(storage Storage, opts Options) (*Queue, error) {
	opts.defaults()
	items, err := storage.Load()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		storage:   storage,
		opts:      opts,
		logger:    opts.Logger,
		items:     items,
		online:    opts.Online,
		listeners: make(map[int]func(Event)),
		ctx:       ctx,
		cancel:    cancel,
	}
	if len(items) > 0 {
		q.logger.Info("restored offline queue", "pending", len(items))
		if q.online {
			q.syncInBackground()
		}
	}
	return q, nil
}

// Subscribe registers fn for every queue event and returns a function that removes it.
// Listeners run synchronously on the goroutine that produced the event.
func (q *Queue) Subscribe(fn func(Event)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	fns := make([]func(Event), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (q *Queue) persistLocked() error {
	if err := q.storage.Save(q.items); err != nil {
		q.logger.Error("failed to persist offline queue", "err", err)
		return err
	}
	return nil
}

// Enqueue appends m with a fresh id, timestamp and zero retries.
func (q *Queue) Enqueue(m Mutation) (Mutation, error) {
	m.ID = ulid.Make().String()
	m.Timestamp = q.opts.Now()
	m.Retries = 0
	m.LastError = ""

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Mutation{}, ErrClosed
	}
	q.items = append(q.items, m)
	err := q.persistLocked()
	q.mu.Unlock()

	q.logger.Debug("queued mutation", "id", m.ID, "method", m.Method, "url", m.URL)
	q.emit(Event{Type: EventAdded, Mutation: m})
	return m, err
}

// Pending returns a copy of the queued mutations in replay order.
func (q *Queue) Pending() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Mutation(nil), q.items...)
}

func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	return q.persistLocked()
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline records connectivity. Coming online with pending work starts a replay; going
// offline keeps the queue.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	pending := len(q.items)
	closed := q.closed
	q.mu.Unlock()
	if was == online || closed {
		return
	}
	if !online {
		q.logger.Info("offline, queueing mutations", "pending", pending)
		return
	}
	q.logger.Info("online", "pending", pending)
	if pending > 0 {
		q.syncInBackground()
	}
}

func (q *Queue) syncInBackground() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.Sync(q.ctx)
	}()
}

// Sync replays the queue in FIFO order, one mutation at a time. It is a no-op while offline
// or while another Sync is running.
func (q *Queue) Sync(ctx context.Context) SyncResult {
	q.mu.Lock()
	if q.syncing || !q.online || q.closed {
		q.mu.Unlock()
		return SyncResult{}
	}
	q.syncing = true
	ids := make([]string, len(q.items))
	for i, m := range q.items {
		ids[i] = m.ID
	}
	q.mu.Unlock()

	var res SyncResult
	for i, id := range ids {
		if i > 0 && !sleep(ctx, q.opts.ItemDelay) {
			break
		}
		m, ok := q.find(id)
		if !ok {
			continue
		}
		if !q.Online() {
			break
		}
		if q.processMutation(ctx, m) {
			res.Success++
		} else {
			res.Failed++
		}
		if ctx.Err() != nil {
			break
		}
	}

	q.mu.Lock()
	q.syncing = false
	q.mu.Unlock()

	if len(ids) > 0 {
		q.logger.Info("synced offline queue", "success", res.Success, "failed", res.Failed)
	}
	q.emit(Event{Type: EventSyncComplete, Result: res})
	return res
}

func (q *Queue) find(id string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.ID == id {
			return m, true
		}
	}
	return Mutation{}, false
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			_ = q.persistLocked()
			return
		}
	}
}

func (q *Queue) replace(m Mutation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == m.ID {
			q.items[i] = m
			_ = q.persistLocked()
			return
		}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeRetry
	outcomeRejected
)

func classify(status int, err error) outcome {
	switch {
	case err != nil || status >= 500:
		return outcomeRetry
	case status == http.StatusConflict:
		return outcomeConflict
	case status >= 200 && status < 300:
		return outcomeSuccess
	default:
		return outcomeRejected
	}
}

// processMutation delivers m, retrying transient failures, and reports whether it ended in
// success. A mutation interrupted by ctx stays queued.
func (q *Queue) processMutation(ctx context.Context, m Mutation) bool {
	status, _, err := q.send(ctx, m)
	out := classify(status, err)
	for out == outcomeRetry {
		var ok bool
		if m, ok = q.retryMutation(ctx, m, retryCause(status, err)); !ok {
			return false
		}
		status, _, err = q.send(ctx, m)
		out = classify(status, err)
	}
	q.remove(m.ID)
	switch out {
	case outcomeSuccess, outcomeConflict:
		q.emit(Event{Type: EventSuccess, Mutation: m, Conflict: out == outcomeConflict})
		return true
	default:
		rejected := &StatusError{StatusCode: status}
		m.LastError = rejected.Error()
		q.logger.Warn("mutation rejected", "id", m.ID, "status", status)
		q.emit(Event{Type: EventFailed, Mutation: m, Err: rejected})
		return false
	}
}

func retryCause(status int, err error) error {
	if err != nil {
		return err
	}
	return &StatusError{StatusCode: status}
}

// retryMutation records a failed attempt. It dead-letters m once its retries reach
// MaxRetries, otherwise it waits RetryDelay*retries and returns the updated mutation.
func (q *Queue) retryMutation(ctx context.Context, m Mutation, cause error) (Mutation, bool) {
	m.Retries++
	m.LastError = cause.Error()
	if m.Retries >= q.opts.MaxRetries {
		q.remove(m.ID)
		q.logger.Warn("dead-lettered mutation", "id", m.ID, "retries", m.Retries, "err", cause)
		q.emit(Event{Type: EventFailed, Mutation: m, Err: cause})
		return m, false
	}
	q.replace(m)
	if !sleep(ctx, q.opts.RetryDelay*time.Duration(m.Retries)) {
		return m, false
	}
	return m, true
}

func (q *Queue) send(ctx context.Context, m Mutation) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.RequestTimeout)
	defer cancel()
	var body io.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := q.opts.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// Result is the outcome of Do. Queued is set when the mutation was deferred.
type Result struct {
	StatusCode int
	Body       []byte
	Queued     bool
	Mutation   Mutation
}

// Do performs a mutating REST call. While offline, or when the call fails with a network
// error or 5xx, the mutation is queued for replay; a transient failure while online starts
// the replay right away. A 409 counts as delivered. Any other
// non-2xx status is returned as a *StatusError.
func (q *Queue) Do(ctx context.Context, method, url string, body any) (Result, error) {
	m := Mutation{Method: method, URL: url}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Result{}, fmt.Errorf("failed to encode body: %w", err)
		}
		m.Body = raw
	}
	online := q.Online()
	if online {
		status, respBody, err := q.send(ctx, m)
		switch classify(status, err) {
		case outcomeSuccess, outcomeConflict:
			return Result{StatusCode: status, Body: respBody}, nil
		case outcomeRejected:
			return Result{StatusCode: status, Body: respBody}, &StatusError{StatusCode: status, Body: string(respBody)}
		}
		q.logger.Warn("mutation failed, queueing", "method", method, "url", url, "err", retryCause(status, err))
	}
	queued, err := q.Enqueue(m)
	if err != nil {
		return Result{}, err
	}
	if online {
		q.syncInBackground()
	}
	return Result{Queued: true, Mutation: queued}, nil
}

// Run replays the queue every SyncInterval while online until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(q.opts.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if len(q.Pending()) > 0 {
				q.Sync(ctx)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops background replays and closes the storage. Pending mutations stay persisted.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	return q.storage.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
