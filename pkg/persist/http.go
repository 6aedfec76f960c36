package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPBridge talks to a remote document database over the snapshot REST contract:
//
//	GET    /snapshots/{doc}                 -> Snapshot
//	PUT    /snapshots/{doc}                 <- {"snapshotBase64": ...}
//	POST   /snapshots/{doc}/updates         <- Update
//	GET    /snapshots/{doc}/updates?from=N  -> []Update
//	DELETE /snapshots/{doc}/updates?through=N
//	POST   /snapshots/{doc}/rebuild
type HTTPBridge struct {
	baseURL *url.URL
	client  *http.Client
}

func NewHTTPBridge(baseURL string, client *http.Client) (*HTTPBridge, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBridge{baseURL: u, client: client}, nil
}

func (b *HTTPBridge) docURL(docID string, rest ...string) *url.URL {
	u := b.baseURL.JoinPath(append([]string{"snapshots", docID}, rest...)...)
	return u
}

func (b *HTTPBridge) do(ctx context.Context, method string, u *url.URL, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d from %s %s: %s", resp.StatusCode, method, u.Path, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (b *HTTPBridge) GetSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	var snap Snapshot
	if err := b.do(ctx, http.MethodGet, b.docURL(docID), nil, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (b *HTTPBridge) PutSnapshot(ctx context.Context, docID string, snapshotBase64 string) error {
	return b.do(ctx, http.MethodPut, b.docURL(docID), Snapshot{SnapshotBase64: snapshotBase64}, nil)
}

func (b *HTTPBridge) AppendUpdate(ctx context.Context, docID string, update Update) error {
	return b.do(ctx, http.MethodPost, b.docURL(docID, "updates"), update, nil)
}

func (b *HTTPBridge) Updates(ctx context.Context, docID string, fromSeq int64) ([]Update, error) {
	u := b.docURL(docID, "updates")
	u.RawQuery = url.Values{"from": {strconv.FormatInt(fromSeq, 10)}}.Encode()
	var out []Update
	if err := b.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *HTTPBridge) TrimUpdates(ctx context.Context, docID string, throughSeq int64) error {
	u := b.docURL(docID, "updates")
	u.RawQuery = url.Values{"through": {strconv.FormatInt(throughSeq, 10)}}.Encode()
	return b.do(ctx, http.MethodDelete, u, nil, nil)
}

// Rebuild asks the remote side to fold its stored updates into a fresh snapshot.
func (b *HTTPBridge) Rebuild(ctx context.Context, docID string) error {
	return b.do(ctx, http.MethodPost, b.docURL(docID, "rebuild"), nil, nil)
}

func (b *HTTPBridge) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
