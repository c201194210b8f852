package webserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filebeam/filebeam/internal/dispatch"
	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/logger"
	"github.com/filebeam/filebeam/internal/mediatype"
	"github.com/filebeam/filebeam/internal/refcodec"
	"github.com/filebeam/filebeam/internal/security"
	"github.com/filebeam/filebeam/internal/streamerr"
	"github.com/filebeam/filebeam/internal/upstream"
)

// maxReselections bounds how many times one request may move to another
// identity after an identity-specific failure.
const maxReselections = 2

// successCacheControl is emitted on 200/206 responses; the locator for a
// given reference never changes, so short-lived caching is safe.
const successCacheControl = "public, max-age=3600"

func (s *Service) handleDownload(c *gin.Context) {
	s.serveFile(c, true)
}

func (s *Service) handleStream(c *gin.Context) {
	s.serveFile(c, false)
}

// serveFile runs the streaming pipeline: decode, gates, dispatch, locate,
// range, headers, pump. The two public endpoints differ only in the
// Content-Disposition header.
func (s *Service) serveFile(c *gin.Context, attachment bool) {
	ip := security.RequestIP(c)

	messageID, err := refcodec.Decode(c.Param("ref"))
	if err != nil {
		s.guard.RecordInvalid(ip)
		s.finishEarly(c, http.StatusNotFound, "file not found")
		return
	}

	if s.ledger.Exceeded() {
		s.finishEarly(c, http.StatusServiceUnavailable,
			"monthly bandwidth quota reached, try again next month")
		return
	}

	ident, release, loc, err := s.locateWithReselection(c.Request.Context(), messageID)
	if err != nil {
		status, msg := statusForError(err)
		s.finishEarly(c, status, msg)
		return
	}

	if s.cfg.LinkExpirySeconds > 0 {
		expiry := loc.SentAt.Add(time.Duration(s.cfg.LinkExpirySeconds) * time.Second)
		if s.now().After(expiry) {
			release()
			s.finishEarly(c, http.StatusGone, "this link has expired")
			return
		}
	}

	br, err := security.ResolveRange(c.GetHeader("Range"), loc.Size)
	if err != nil {
		release()
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", loc.Size))
		s.finishEarly(c, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	}

	s.writeStreamHeaders(c, loc, br, attachment)

	status := http.StatusOK
	if br.Partial {
		status = http.StatusPartialContent
	}
	c.Status(status)
	s.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()

	if br.Length() == 0 {
		release()
		return
	}

	s.pump(c, ident, release, loc, messageID, br, ip)
}

// locateWithReselection reserves an identity slot and resolves the locator,
// moving to another identity when the failure is identity-specific (upstream
// trouble rather than a dead reference). On success the caller owns the
// returned release; every failure path gives the slot back here.
func (s *Service) locateWithReselection(ctx context.Context, messageID int64) (*dispatch.Identity, func(), locator.FileLocator, error) {
	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= maxReselections; attempt++ {
		ident, release, err := s.dispatcher.Select(excluded)
		if err != nil {
			if lastErr != nil {
				return nil, nil, locator.FileLocator{}, lastErr
			}
			return nil, nil, locator.FileLocator{}, err
		}

		loc, err := s.resolveLocator(ctx, ident, messageID)
		if err == nil {
			return ident, release, loc, nil
		}
		release()
		if streamerr.IsKind(err, streamerr.KindReferenceNotFound) {
			return nil, nil, locator.FileLocator{}, err
		}

		s.log.WithContext(ctx).Warn("identity failed to resolve locator, reselecting",
			"client_id", ident.ID, "attempt", attempt, "error", err)
		excluded[ident.ID] = true
		lastErr = err
	}
	return nil, nil, locator.FileLocator{}, lastErr
}

// resolveLocator consults the identity's cache, falling back to a metadata
// fetch through the identity's client. Dead references are negative-cached.
func (s *Service) resolveLocator(ctx context.Context, ident *dispatch.Identity, messageID int64) (locator.FileLocator, error) {
	if loc, ok, negErr := ident.Locators.Get(messageID); ok {
		return loc, nil
	} else if negErr != nil {
		return locator.FileLocator{}, negErr
	}

	loc, err := ident.Client.ResolveFile(ctx, messageID)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			e := streamerr.Wrap(streamerr.KindReferenceNotFound, "file reference no longer resolves", err)
			ident.Locators.PutNegative(messageID, e)
			return locator.FileLocator{}, e
		}
		return locator.FileLocator{}, streamerr.Wrap(streamerr.KindUpstreamUnavailable, "metadata fetch failed", err)
	}

	ident.Locators.Put(messageID, loc)
	return loc, nil
}

func (s *Service) writeStreamHeaders(c *gin.Context, loc locator.FileLocator, br security.ByteRange, attachment bool) {
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", mediatype.OrDefault(loc.MimeType))
	c.Header("Content-Length", strconv.FormatInt(br.Length(), 10))
	c.Header("Cache-Control", successCacheControl)
	if br.Partial {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.From, br.Until, loc.Size))
	}
	if attachment {
		name := security.SanitizeFilename(loc.Filename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
}

// pump drives the chunk fetcher over the resolved interval, writing each
// slice to the response. The registry entry and the work-in-progress slot
// reserved at selection are held for the duration and released on every exit
// path.
func (s *Service) pump(c *gin.Context, ident *dispatch.Identity, release func(), loc locator.FileLocator, messageID int64, br security.ByteRange, ip string) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream := s.streams.Register(messageID, ident.ID, ip, cancel, release)
	defer s.streams.Deregister(stream.ID)

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	ctx = logger.WithStreamID(ctx, stream.ID)
	ctx = logger.WithClientID(ctx, ident.ID)
	log := s.log.WithContext(ctx)

	writer := c.Writer
	err := s.fetch.Stream(ctx, ident.Client, loc, br.From, br.Length(), func(p []byte) error {
		n, werr := writer.Write(p)
		if n > 0 {
			s.streams.Touch(stream.ID, int64(n))
			s.ledger.Add(int64(n))
			s.metrics.BytesServed.WithLabelValues(ident.ID).Add(float64(n))
			s.metrics.BandwidthUsed.Set(float64(s.ledger.Used()))
		}
		if werr != nil {
			return streamerr.Wrap(streamerr.KindClientCancelled, "response write failed", werr)
		}
		writer.Flush()
		return nil
	})

	switch {
	case err == nil:
		log.Debug("stream complete", "bytes", stream.BytesSent(), "length", br.Length())
	case streamerr.IsKind(err, streamerr.KindClientCancelled):
		log.Debug("client disconnected mid-stream", "bytes_sent", stream.BytesSent())
		s.metrics.AbortedStreams.Inc()
	default:
		// Headers are long gone; closing the connection is the only signal
		// left to the client.
		log.Error("stream failed mid-body", "bytes_sent", stream.BytesSent(), "error", err)
		s.metrics.AbortedStreams.Inc()
		c.Abort()
	}
}

// finishEarly emits a pre-body plain-text error and records the status.
func (s *Service) finishEarly(c *gin.Context, status int, msg string) {
	s.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	failPlain(c, status, msg)
}

// statusForError maps a core error to its pre-body HTTP surface.
func statusForError(err error) (int, string) {
	kind, ok := streamerr.KindOf(err)
	if !ok {
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	}
	switch kind {
	case streamerr.KindInvalidReference, streamerr.KindReferenceNotFound:
		return http.StatusNotFound, "file not found"
	case streamerr.KindReferenceExpired:
		return http.StatusGone, "this link has expired"
	case streamerr.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable"
	case streamerr.KindBandwidthCeiling:
		return http.StatusServiceUnavailable, "monthly bandwidth quota reached, try again next month"
	case streamerr.KindRateLimited:
		return http.StatusTooManyRequests, "rate limit exceeded"
	default:
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	}
}
