package webserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filebeam/filebeam/internal/common"
)

// supportedFormats is what the in-browser player front-end can seek through.
var supportedFormats = []string{"mp4", "mkv", "webm", "mov", "avi", "m4v"}

type botInfoPayload struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	Mention   string `json:"mention"`
}

type featuresPayload struct {
	LinkExpiryEnabled         bool   `json:"link_expiry_enabled"`
	LinkExpiryDurationSeconds int64  `json:"link_expiry_duration_seconds"`
	VideoFrontendURL          string `json:"video_frontend_url,omitempty"`
}

type bandwidthPayload struct {
	LimitBytes int64  `json:"limit_bytes"`
	UsedBytes  int64  `json:"used_bytes"`
	UsedHuman  string `json:"used_human"`
	Month      string `json:"month"`
	Enabled    bool   `json:"enabled"`
}

type streamingPayload struct {
	ActiveStreams          int      `json:"active_streams"`
	SupportedFormats       []string `json:"supported_formats"`
	RangeRequestsSupported bool     `json:"range_requests_supported"`
	SeekingSupported       bool     `json:"seeking_supported"`
}

type infoPayload struct {
	Status        string           `json:"status"`
	BotInfo       botInfoPayload   `json:"bot_info"`
	Features      featuresPayload  `json:"features"`
	Bandwidth     bandwidthPayload `json:"bandwidth"`
	Streaming     streamingPayload `json:"streaming"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	ServerTimeUTC string           `json:"server_time_utc"`
	TotalUsers    int64            `json:"total_users"`
}

func (s *Service) handleInfo(c *gin.Context) {
	me := s.dispatcher.Primary().Client.Me()

	var totalUsers int64
	if s.users != nil {
		n, err := s.users.TotalUsers(c.Request.Context())
		if err != nil {
			s.log.Warn("counting users for info endpoint", "error", err)
		} else {
			totalUsers = n
		}
	}

	used := s.ledger.Used()
	c.JSON(http.StatusOK, infoPayload{
		Status: "ok",
		BotInfo: botInfoPayload{
			ID:        me.ID,
			Username:  me.Username,
			FirstName: me.FirstName,
			Mention:   me.Mention(),
		},
		Features: featuresPayload{
			LinkExpiryEnabled:         s.cfg.LinkExpirySeconds > 0,
			LinkExpiryDurationSeconds: s.cfg.LinkExpirySeconds,
			VideoFrontendURL:          s.cfg.VideoFrontendURL,
		},
		Bandwidth: bandwidthPayload{
			LimitBytes: s.ledger.Limit(),
			UsedBytes:  used,
			UsedHuman:  common.HumanBytes(used),
			Month:      s.ledger.Month(),
			Enabled:    s.ledger.Limit() > 0,
		},
		Streaming: streamingPayload{
			ActiveStreams:          s.streams.Count(),
			SupportedFormats:       supportedFormats,
			RangeRequestsSupported: true,
			SeekingSupported:       true,
		},
		UptimeSeconds: int64(s.now().Sub(s.startedAt).Seconds()),
		ServerTimeUTC: s.now().UTC().Format(time.RFC3339),
		TotalUsers:    totalUsers,
	})
}
