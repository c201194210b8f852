// Package local is the filesystem-backed upstream adapter. Files live in one
// directory, named "<messageID>_<filename>"; every identity sees the same
// directory. It exists for development and end-to-end testing, where running
// against the real platform is impractical.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/logger"
	"github.com/filebeam/filebeam/internal/upstream"
)

// localDC is the data-center id every local locator reports.
const localDC = 1

// Dialer creates local clients sharing one file directory.
type Dialer struct {
	dir string
	log *logger.Logger
}

// NewDialer creates a Dialer over dir.
func NewDialer(dir string, log *logger.Logger) *Dialer {
	return &Dialer{dir: dir, log: log.WithComponent("platform.local")}
}

// Connect validates the directory and returns a client for it. The token is
// only used to derive the bot identity's display name.
func (d *Dialer) Connect(ctx context.Context, identityID, token string) (upstream.Client, error) {
	info, err := os.Stat(d.dir)
	if err != nil {
		return nil, fmt.Errorf("local platform: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local platform: %s is not a directory", d.dir)
	}
	d.log.Info("local platform client connected", "identity", identityID, "dir", d.dir)
	return &client{id: identityID, dir: d.dir}, nil
}

type client struct {
	id  string
	dir string
}

func (c *client) ID() string { return c.id }

func (c *client) Me() upstream.BotInfo {
	return upstream.BotInfo{
		ID:        1,
		Username:  c.id + "_local",
		FirstName: "FileBeam Local",
	}
}

func (c *client) Ready() bool { return true }

func (c *client) Close() error { return nil }

// ResolveFile finds the directory entry whose name starts with
// "<messageID>_".
func (c *client) ResolveFile(ctx context.Context, messageID int64) (locator.FileLocator, error) {
	entry, err := c.findEntry(messageID)
	if err != nil {
		return locator.FileLocator{}, err
	}
	info, err := entry.Info()
	if err != nil {
		return locator.FileLocator{}, fmt.Errorf("local platform: stat %s: %w", entry.Name(), err)
	}

	filename := strings.TrimPrefix(entry.Name(), strconv.FormatInt(messageID, 10)+"_")
	return locator.FileLocator{
		DCID:     localDC,
		LocalID:  messageID,
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(filepath.Ext(filename)),
		Filename: filename,
		SentAt:   info.ModTime(),
	}, nil
}

func (c *client) DialMediaSession(ctx context.Context, dcID int) (upstream.Session, error) {
	return &session{client: c}, nil
}

func (c *client) findEntry(messageID int64) (fs.DirEntry, error) {
	prefix := strconv.FormatInt(messageID, 10) + "_"
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("local platform: reading %s: %w", c.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return e, nil
		}
	}
	return nil, upstream.ErrNotFound
}

// Entry describes one shareable file in the local directory.
type Entry struct {
	MessageID int64
	Filename  string
	Size      int64
	MimeType  string
}

// List enumerates the shareable files in dir. Entries without a valid
// "<messageID>_" prefix are skipped.
func List(dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("local platform: reading %s: %w", dir, err)
	}
	var out []Entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, rest, found := strings.Cut(e.Name(), "_")
		mid, err := strconv.ParseInt(id, 10, 64)
		if !found || err != nil || mid < 0 || rest == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			MessageID: mid,
			Filename:  rest,
			Size:      info.Size(),
			MimeType:  mime.TypeByExtension(filepath.Ext(rest)),
		})
	}
	return out, nil
}

type session struct {
	client *client
}

func (s *session) FetchChunk(ctx context.Context, loc locator.FileLocator, offset, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := s.client.findEntry(loc.LocalID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.client.dir, entry.Name()))
	if err != nil {
		return nil, fmt.Errorf("local platform: open: %w", err)
	}
	defer f.Close()

	buf := make([]byte, limit)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("local platform: read at %d: %w", offset, err)
	}
	return buf[:n], nil
}

func (s *session) Close() error { return nil }
