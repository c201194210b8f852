// Package fetcher turns an arbitrary byte interval of a file into a serial
// stream of platform-aligned chunk reads, trimming the first and last chunks
// to the exact interval. It owns transient-error retry and data-center
// migration handling; callers only see ordered byte slices or a final error.
package fetcher

import (
	"context"
	"math/rand"
	"time"

	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/logger"
	"github.com/filebeam/filebeam/internal/streamerr"
	"github.com/filebeam/filebeam/internal/upstream"
)

const (
	// maxTransientRetries bounds immediate retries of one chunk read.
	maxTransientRetries = 3
	// maxMigrations bounds data-center migrations for one stream.
	maxMigrations = 3

	backoffBase = 250 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// Sink receives each trimmed byte slice in ascending file-offset order. The
// slice is only valid for the duration of the call. A non-nil return aborts
// the stream.
type Sink func(p []byte) error

// Fetcher reads chunk-aligned byte ranges through the session pool.
type Fetcher struct {
	pool      *upstream.Pool
	chunkSize int64
	log       *logger.Logger

	// sleep is replaced in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	onRetry func()
}

// New creates a Fetcher reading chunkSize-aligned blocks. chunkSize must be a
// power of two accepted by the platform; config validation enforces this.
func New(pool *upstream.Pool, chunkSize int64, log *logger.Logger) *Fetcher {
	return &Fetcher{
		pool:      pool,
		chunkSize: chunkSize,
		log:       log.WithComponent("fetcher"),
		sleep:     sleepCtx,
	}
}

// OnRetry registers a callback invoked once per transient-retry attempt.
// Must be set before the first Stream call.
func (f *Fetcher) OnRetry(fn func()) {
	f.onRetry = fn
}

// Stream fetches bytes [start, start+length) of loc through client's media
// sessions and passes each trimmed slice to sink. Chunks are fetched and
// delivered strictly serially; sink back-pressure throttles the next read.
// A zero length returns immediately without touching the upstream.
func (f *Fetcher) Stream(ctx context.Context, client upstream.Client, loc locator.FileLocator, start, length int64, sink Sink) error {
	if length == 0 {
		return nil
	}

	chunk := f.chunkSize
	firstChunkOffset := start - start%chunk
	firstTrim := start - firstChunkOffset
	lastEnd := start + length
	lastChunkEnd := ((lastEnd + chunk - 1) / chunk) * chunk
	lastTrim := lastChunkEnd - lastEnd

	dcID := loc.DCID
	sess, err := f.pool.GetOrOpen(ctx, client, dcID)
	if err != nil {
		return streamerr.Wrap(streamerr.KindUpstreamUnavailable, "opening media session", err)
	}

	migrations := 0
	for offset := firstChunkOffset; offset < lastChunkEnd; offset += chunk {
		if err := ctx.Err(); err != nil {
			return streamerr.Wrap(streamerr.KindClientCancelled, "stream cancelled", err)
		}

		var data []byte
		data, sess, dcID, migrations, err = f.fetchWithRetry(ctx, client, sess, loc, offset, chunk, dcID, migrations)
		if err != nil {
			return err
		}

		isLast := offset+chunk >= lastChunkEnd
		if int64(len(data)) < chunk && !isLast {
			return streamerr.New(streamerr.KindShortChunk, "upstream returned a short chunk before the final one")
		}

		if offset == firstChunkOffset && firstTrim > 0 {
			if firstTrim >= int64(len(data)) {
				return streamerr.New(streamerr.KindShortChunk, "first chunk shorter than leading trim")
			}
			data = data[firstTrim:]
		}
		if isLast && lastTrim > 0 {
			keep := int64(len(data)) - lastTrim
			if keep < 0 {
				return streamerr.New(streamerr.KindShortChunk, "last chunk shorter than trailing trim")
			}
			data = data[:keep]
		}

		if err := sink(data); err != nil {
			return err
		}
	}
	return nil
}

// fetchWithRetry reads one chunk, retrying transient failures against the
// same session and following auth-migration errors to the new data-center.
// It returns the possibly-replaced session and updated migration budget.
func (f *Fetcher) fetchWithRetry(
	ctx context.Context,
	client upstream.Client,
	sess *upstream.PooledSession,
	loc locator.FileLocator,
	offset, limit int64,
	dcID, migrations int,
) (data []byte, _ *upstream.PooledSession, _ int, _ int, err error) {
	attempt := 0
	for {
		data, err = sess.FetchChunk(ctx, loc, offset, limit)
		if err == nil {
			return data, sess, dcID, migrations, nil
		}
		if ctx.Err() != nil {
			return nil, sess, dcID, migrations, streamerr.Wrap(streamerr.KindClientCancelled, "stream cancelled", ctx.Err())
		}

		if newDC, ok := upstream.AsAuthMigration(err); ok {
			migrations++
			if migrations > maxMigrations {
				return nil, sess, dcID, migrations, streamerr.Wrap(streamerr.KindUpstreamUnavailable, "data-center migration retries exhausted", err)
			}
			f.log.Warn("following data-center migration",
				"client_id", client.ID(), "from_dc", dcID, "to_dc", newDC, "attempt", migrations)
			f.pool.Invalidate(client.ID(), dcID)
			dcID = newDC
			sess, err = f.pool.GetOrOpen(ctx, client, dcID)
			if err != nil {
				return nil, nil, dcID, migrations, streamerr.Wrap(streamerr.KindUpstreamUnavailable, "reopening session after migration", err)
			}
			attempt = 0
			continue
		}

		if !upstream.IsTransient(err) {
			return nil, sess, dcID, migrations, streamerr.Wrap(streamerr.KindUpstreamUnavailable, "chunk fetch failed", err)
		}
		attempt++
		if attempt > maxTransientRetries {
			return nil, sess, dcID, migrations, streamerr.Wrap(streamerr.KindUpstreamUnavailable, "chunk fetch retries exhausted", err)
		}
		if f.onRetry != nil {
			f.onRetry()
		}
		delay := backoffDelay(attempt)
		f.log.Debug("retrying chunk fetch",
			"client_id", client.ID(), "offset", offset, "attempt", attempt, "delay", delay, "error", err)
		if serr := f.sleep(ctx, delay); serr != nil {
			return nil, sess, dcID, migrations, streamerr.Wrap(streamerr.KindClientCancelled, "stream cancelled", serr)
		}
	}
}

// backoffDelay computes the wait before retry n (1-based): exponential from
// backoffBase, capped at backoffCap, with ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
