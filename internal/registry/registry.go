// Package registry implements the channel registry (spec.md §4.D): the set
// of live named channels, their single writer and ordered reader list, and
// the rules for creating, subscribing to, and destroying them.
//
// The registry is only ever touched from the reactor's single dispatch
// goroutine (spec.md §5), so — unlike the teacher's SubscriptionIndex in
// internal/shared/connection.go, which uses atomic.Value snapshots to stay
// lock-free under concurrent access — this registry needs no locks at all.
// It keeps the same two-level shape (name → channel, channel → ordered
// readers) because that shape is exactly what the domain needs.
package registry

import (
	"errors"
	"fmt"

	"github.com/adred-codev/shmembroker/internal/metrics"
)

// Session is the registry's view of a client session: just enough to
// deliver an event-mode notification. Implemented by *session.Session.
// The registry never imports the session package — subscriptions are kept
// as this narrow interface to avoid a cycle, per spec.md §9's note on
// breaking the Channel/Client reference cycle.
type Session interface {
	// NotifySubscriptionChange is called after a reader subscribe or
	// unsubscribe commits, with the post-mutation reader count. Sessions
	// that are not in event mode, or are not this channel's writer,
	// ignore the call.
	NotifySubscriptionChange(channelName string, numReaders int)
}

// BufferCreator provisions a shared datagram buffer; satisfied by
// board.Create. Injected so registry tests don't need a real memfd.
type BufferCreator func(requestedSize uint64) (fd int, actualSize uint64, err error)

// BufferCloser releases a buffer; satisfied by board.Close.
type BufferCloser func(fd int) error

// Channel is a named rendezvous point bound to a shared datagram buffer.
// Exported fields are read-only from the caller's perspective; only the
// registry mutates them.
type Channel struct {
	Name       string
	FD         int
	ActualSize uint64

	writer  Session
	readers []Session
}

// ReaderCount returns the current number of reader subscriptions,
// duplicates included.
func (c *Channel) ReaderCount() int { return len(c.readers) }

// HasWriter reports whether the channel currently has a writer.
func (c *Channel) HasWriter() bool { return c.writer != nil }

var (
	// ErrWriterExists is returned by Subscribe when a writer subscribe
	// request targets a channel that already has one (spec.md §4.D.1,
	// §8 scenario 3).
	ErrWriterExists = errors.New("registry: channel already has a writer")

	// ErrChannelNotFound is returned by Unsubscribe when no channel with
	// the given name exists.
	ErrChannelNotFound = errors.New("registry: channel not found")

	// ErrNotWriter is returned by Unsubscribe(writer=true) when the
	// calling session is not the channel's writer.
	ErrNotWriter = errors.New("registry: session is not this channel's writer")

	// ErrNotSubscribedReader is returned by Unsubscribe(writer=false)
	// when the calling session has no matching reader entry.
	ErrNotSubscribedReader = errors.New("registry: session is not subscribed as a reader")
)

// Registry holds the set of live channels, keyed by name.
type Registry struct {
	channels          map[string]*Channel
	defaultBufferSize uint64
	createBuffer      BufferCreator
	closeBuffer       BufferCloser
	metrics           *metrics.Metrics
}

// New builds an empty registry. defaultBufferSize substitutes for a
// subscribe request's requestedSize of zero (spec.md §4.C); it must already
// have been validated as >= the configured minimum by internal/config.
// metricsSet may be nil (tests that don't care about instrumentation); when
// set, ChannelsActive tracks the registry's live channel count.
func New(defaultBufferSize uint64, createBuffer BufferCreator, closeBuffer BufferCloser, metricsSet *metrics.Metrics) *Registry {
	return &Registry{
		channels:          make(map[string]*Channel),
		defaultBufferSize: defaultBufferSize,
		createBuffer:      createBuffer,
		closeBuffer:       closeBuffer,
		metrics:           metricsSet,
	}
}

func (r *Registry) reportChannelsActive() {
	if r.metrics != nil {
		r.metrics.ChannelsActive.Set(float64(len(r.channels)))
	}
}

// Subscribe attaches session to the named channel as writer or reader,
// creating the channel if it doesn't exist yet. On success it returns the
// channel (including the FD to hand off to the client); on a registry
// contention denial (second writer) it returns ErrWriterExists with a nil
// channel and no error state to roll back. Any other error indicates a
// provisioning failure and is already fully rolled back before return.
func (r *Registry) Subscribe(sess Session, name string, isWriter bool, requestedSize uint32) (*Channel, error) {
	if existing, ok := r.channels[name]; ok {
		if isWriter {
			if existing.HasWriter() {
				return nil, ErrWriterExists
			}
			existing.writer = sess
			return existing, nil
		}

		existing.readers = append(existing.readers, sess)
		if existing.writer != nil {
			existing.writer.NotifySubscriptionChange(existing.Name, existing.ReaderCount())
		}
		return existing, nil
	}

	size := uint64(requestedSize)
	if size == 0 {
		size = r.defaultBufferSize
	}

	fd, actualSize, err := r.createBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("registry: provision buffer for channel %q: %w", name, err)
	}

	channel := &Channel{
		Name:       name,
		FD:         fd,
		ActualSize: actualSize,
	}
	if isWriter {
		channel.writer = sess
	} else {
		channel.readers = append(channel.readers, sess)
	}

	r.channels[name] = channel
	r.reportChannelsActive()
	return channel, nil
}

// Unsubscribe detaches session from the named channel in the given role.
// If the channel becomes empty (no writer, no readers) as a result, it is
// destroyed: its buffer closed and its entry removed, before Unsubscribe
// returns.
func (r *Registry) Unsubscribe(sess Session, name string, isWriter bool) error {
	channel, ok := r.channels[name]
	if !ok {
		return ErrChannelNotFound
	}

	if isWriter {
		if channel.writer != sess {
			return ErrNotWriter
		}
		channel.writer = nil
	} else {
		idx := -1
		for i, reader := range channel.readers {
			if reader == sess {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotSubscribedReader
		}
		channel.readers = append(channel.readers[:idx], channel.readers[idx+1:]...)

		if channel.writer != nil {
			channel.writer.NotifySubscriptionChange(channel.Name, channel.ReaderCount())
		}
	}

	if !channel.HasWriter() && channel.ReaderCount() == 0 {
		delete(r.channels, name)
		r.reportChannelsActive()
		if err := r.closeBuffer(channel.FD); err != nil {
			return fmt.Errorf("registry: close buffer for destroyed channel %q: %w", name, err)
		}
	}

	return nil
}

// Lookup returns the channel with the given name, if any. Used only for
// diagnostics (health endpoint, tests) — session dispatch always goes
// through Subscribe/Unsubscribe.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	c, ok := r.channels[name]
	return c, ok
}

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int { return len(r.channels) }
