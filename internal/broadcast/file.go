package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/uuid"
)

// DefaultMessageTTL is how long message files stay in the shared directory.
const DefaultMessageTTL = 10 * time.Minute

const messageExt = ".json"

// FileChannel exchanges messages through files in a directory shared by
// every session on the terminal. Each message is one file, written to a
// temporary name and renamed into place so watchers never see a partial
// write. Messages from this channel's own origin are not delivered.
type FileChannel struct {
	dir     string
	origin  string
	ttl     time.Duration
	watcher *fsnotify.Watcher
	subs    subscribers

	mu   sync.Mutex
	seen map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Channel = (*FileChannel)(nil)

// NewFileChannel watches dir, creating it if needed. Files older than ttl
// are pruned; ttl <= 0 uses DefaultMessageTTL.
func NewFileChannel(dir, origin string, ttl time.Duration) (*FileChannel, error) {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to create broadcast directory", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create fsnotify watcher", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrap(errors.ErrStorageUnavailable, fmt.Sprintf("failed to watch %s", dir), err)
	}

	c := &FileChannel{
		dir:     dir,
		origin:  origin,
		ttl:     ttl,
		watcher: watcher,
		seen:    make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	c.prune(time.Now())

	c.wg.Add(1)
	go c.processEvents()
	return c, nil
}

// Origin returns the id stamped on published messages.
func (c *FileChannel) Origin() string {
	return c.origin
}

// Publish writes msg into the shared directory.
func (c *FileChannel) Publish(_ context.Context, msg Message) error {
	if c.subs.isClosed() {
		return errors.New(errors.ErrChannelClosed, "broadcast channel is closed")
	}
	if msg.Origin == "" {
		msg.Origin = c.origin
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode broadcast message", err)
	}

	name := fmt.Sprintf("%020d-%s%s", msg.SentAt.UnixNano(), uuid.Short(uuid.New()), messageExt)
	tmp, err := os.CreateTemp(c.dir, ".msg-*")
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to create broadcast file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to write broadcast file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to write broadcast file", err)
	}
	if err := os.Rename(tmpName, filepath.Join(c.dir, name)); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to publish broadcast file", err)
	}

	c.prune(msg.SentAt)
	return nil
}

// Subscribe registers fn for messages from other origins.
func (c *FileChannel) Subscribe(fn func(Message)) func() {
	return c.subs.add(fn)
}

// Close stops watching. It blocks until the event loop has exited.
func (c *FileChannel) Close() error {
	if !c.subs.close() {
		return nil
	}
	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to close watcher", err)
	}
	return nil
}

func (c *FileChannel) processEvents() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			c.handle(event.Name)

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Broadcast watcher error", map[string]interface{}{
				"dir":   c.dir,
				"error": err.Error(),
			})
		}
	}
}

func (c *FileChannel) handle(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != messageExt {
		return
	}

	c.mu.Lock()
	_, dup := c.seen[base]
	c.mu.Unlock()
	if dup {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// pruned by a peer before we got to it
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// a file written in place may still be empty on Create; the
		// following Write event retries it
		logging.Debug("Skipping unreadable broadcast file", map[string]interface{}{
			"file":  base,
			"error": err.Error(),
		})
		return
	}

	c.mu.Lock()
	c.seen[base] = time.Now()
	c.mu.Unlock()
	if msg.Origin == c.origin {
		return
	}

	logging.Debug("Broadcast received", map[string]interface{}{
		"topic":  string(msg.Topic),
		"origin": msg.Origin,
	})
	c.subs.deliver(msg)
}

// prune removes expired message files and forgets them.
func (c *FileChannel) prune(now time.Time) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	cutoff := now.Add(-c.ttl)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to prune broadcast file", map[string]interface{}{
				"file":  e.Name(),
				"error": err.Error(),
			})
		}
	}

	c.mu.Lock()
	for name, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, name)
		}
	}
	c.mu.Unlock()
}
