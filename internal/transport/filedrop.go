package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileDrop implements Transport over a plain directory tree: one file
// per inbound message in inbox, one file per reply in outbox, and an
// append-only log file for events. Completion is signalled by an
// atomic rename from a staging path, so a reader never observes a
// partially written message.
type FileDrop struct {
	inbox, outbox, eventsPath string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
	logger  zerolog.Logger
}

// NewFileDrop constructs a FileDrop rooted at the given inbox/outbox
// directories and events log path, creating any that don't yet exist.
func NewFileDrop(inbox, outbox, eventsPath string) (*FileDrop, error) {
	for _, dir := range []string{inbox, outbox, filepath.Dir(eventsPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transport dir %s: %w", dir, err)
		}
	}
	return &FileDrop{
		inbox:      inbox,
		outbox:     outbox,
		eventsPath: eventsPath,
		logger:     log.WithComponent("transport.filedrop"),
	}, nil
}

// Receive watches inbox and emits one Message per completed file. Each
// file is deleted as soon as it has been read, before its Message is
// forwarded to the channel.
func (f *FileDrop) Receive(ctx context.Context) (<-chan Message, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(f.inbox); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox %s: %w", f.inbox, err)
	}

	f.mu.Lock()
	f.watcher = watcher
	f.mu.Unlock()

	out := make(chan Message, 64)

	// Drain any messages already present before the watch started.
	f.drainExisting(out)

	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if msg, ok := f.readAndConsume(event.Name); ok {
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn().Err(err).Msg("inbox watch error")
			}
		}
	}()

	return out, nil
}

func (f *FileDrop) drainExisting(out chan<- Message) {
	entries, err := os.ReadDir(f.inbox)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".msg") {
			continue
		}
		if msg, ok := f.readAndConsume(filepath.Join(f.inbox, entry.Name())); ok {
			out <- msg
		}
	}
}

func (f *FileDrop) readAndConsume(path string) (Message, bool) {
	if !strings.HasSuffix(path, ".msg") {
		return Message{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, false
	}
	correlationID := strings.TrimSuffix(filepath.Base(path), ".msg")
	os.Remove(path)

	return Message{
		Line:        strings.TrimRight(string(data), "\n"),
		ReplyHandle: correlationID,
	}, true
}

// Reply writes line to a staging file and renames it into outbox,
// named after handle, so a concurrent reader never sees a partial
// write.
func (f *FileDrop) Reply(ctx context.Context, handle, line string) error {
	final := filepath.Join(f.outbox, handle+".reply")
	staging := filepath.Join(f.outbox, "."+handle+".reply.tmp")

	if err := os.WriteFile(staging, []byte(line+"\n"), 0o644); err != nil {
		return fmt.Errorf("stage reply: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		return fmt.Errorf("finalize reply: %w", err)
	}
	return nil
}

// Publish appends event as one line to the events log file.
func (f *FileDrop) Publish(ctx context.Context, event fleet.Event) error {
	file, err := os.OpenFile(f.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events log: %w", err)
	}
	defer file.Close()

	line := encodeEvent(event)
	_, err = file.WriteString(line + "\n")
	return err
}

// Ready reports whether the inbox/outbox directories are present; it
// does not test that they are writable.
func (f *FileDrop) Ready() bool {
	for _, dir := range []string{f.inbox, f.outbox} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// Close stops the inbox watcher, if one is running.
func (f *FileDrop) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.watcher == nil {
		f.closed = true
		return nil
	}
	f.closed = true
	return f.watcher.Close()
}

// encodeEvent renders an Event as a single text line, using the same
// status-word shape as Result encoding so file-drop and pub/sub share
// one wire form.
func encodeEvent(event fleet.Event) string {
	var b strings.Builder
	b.WriteString("EVENT ")
	b.WriteString(string(event.Kind))
	b.WriteByte(' ')
	b.WriteString(event.SubjectID)
	b.WriteByte(' ')
	b.WriteString(event.Timestamp.Format(time.RFC3339Nano))
	for k, v := range event.Payload {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}
