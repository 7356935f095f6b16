package api

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Snapshot is one channel's point-in-time state from the REST endpoint.
type Snapshot struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// snapshotResponse is the wire format of GET /snapshots.
type snapshotResponse struct {
	Snapshot Snapshot `json:"snapshot"`
}

// GetSnapshot fetches the current snapshot for a single channel.
func (c *Client) GetSnapshot(ctx context.Context, channel string) (Snapshot, error) {
	query := url.Values{}
	query.Set("channel", channel)

	var resp snapshotResponse
	if err := c.getJSON(ctx, "/snapshots", query, &resp); err != nil {
		return Snapshot{}, err
	}
	if resp.Snapshot.Channel == "" {
		resp.Snapshot.Channel = channel
	}
	return resp.Snapshot, nil
}

// FetchSnapshots fetches snapshots for the given channels with bounded
// concurrency. A failed channel does not fail the whole batch: the
// first error is returned alongside every snapshot that succeeded.
func (c *Client) FetchSnapshots(ctx context.Context, channels []string) ([]Snapshot, error) {
	if len(channels) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	snapshots := make([]Snapshot, 0, len(channels))
	var firstErr error

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, channel := range channels {
		channel := channel
		g.Go(func() error {
			snap, err := c.GetSnapshot(ctx, channel)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				c.logger.Warn("snapshot fetch failed", "channel", channel, "error", err)
				return nil
			}
			snapshots = append(snapshots, snap)
			return nil
		})
	}

	g.Wait()
	return snapshots, firstErr
}
