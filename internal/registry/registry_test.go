package registry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/adred-codev/shmembroker/internal/metrics"
)

type fakeBuffer struct {
	nextFD int
	closed []int
}

func (f *fakeBuffer) create(requestedSize uint64) (int, uint64, error) {
	f.nextFD++
	return f.nextFD, requestedSize, nil
}

func (f *fakeBuffer) close(fd int) error {
	f.closed = append(f.closed, fd)
	return nil
}

type fakeSession struct {
	name           string
	lastNumReaders int
	notifications  int
}

func (s *fakeSession) NotifySubscriptionChange(channelName string, numReaders int) {
	s.notifications++
	s.lastNumReaders = numReaders
}

func newTestRegistry() (*Registry, *fakeBuffer) {
	fb := &fakeBuffer{}
	return New(65536, fb.create, fb.close, nil), fb
}

func TestSubscribeCreatesChannel(t *testing.T) {
	r, fb := newTestRegistry()
	writer := &fakeSession{name: "writer"}

	ch, err := r.Subscribe(writer, "trades", true, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ch.Name != "trades" {
		t.Fatalf("name = %q, want trades", ch.Name)
	}
	if ch.ActualSize != 65536 {
		t.Fatalf("actual size = %d, want default 65536", ch.ActualSize)
	}
	if !ch.HasWriter() {
		t.Fatal("expected writer set")
	}
	if r.ChannelCount() != 1 {
		t.Fatalf("channel count = %d, want 1", r.ChannelCount())
	}
	if len(fb.closed) != 0 {
		t.Fatal("buffer should not be closed on creation")
	}
}

func TestSubscribeSecondWriterDenied(t *testing.T) {
	r, _ := newTestRegistry()
	first := &fakeSession{name: "first"}
	second := &fakeSession{name: "second"}

	if _, err := r.Subscribe(first, "trades", true, 0); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	_, err := r.Subscribe(second, "trades", true, 0)
	if !errors.Is(err, ErrWriterExists) {
		t.Fatalf("expected ErrWriterExists, got %v", err)
	}
}

func TestReaderSubscribeNotifiesWriter(t *testing.T) {
	r, _ := newTestRegistry()
	writer := &fakeSession{name: "writer"}
	reader := &fakeSession{name: "reader"}

	if _, err := r.Subscribe(writer, "trades", true, 0); err != nil {
		t.Fatalf("writer subscribe: %v", err)
	}
	if _, err := r.Subscribe(reader, "trades", false, 0); err != nil {
		t.Fatalf("reader subscribe: %v", err)
	}

	if writer.notifications != 1 {
		t.Fatalf("writer notifications = %d, want 1", writer.notifications)
	}
	if writer.lastNumReaders != 1 {
		t.Fatalf("writer lastNumReaders = %d, want 1", writer.lastNumReaders)
	}
}

func TestReaderSubscribeWithoutWriterSkipsNotification(t *testing.T) {
	r, _ := newTestRegistry()
	reader := &fakeSession{name: "reader"}

	ch, err := r.Subscribe(reader, "trades", false, 0)
	if err != nil {
		t.Fatalf("reader subscribe: %v", err)
	}
	if ch.ReaderCount() != 1 {
		t.Fatalf("reader count = %d, want 1", ch.ReaderCount())
	}
	if ch.HasWriter() {
		t.Fatal("expected no writer")
	}
	if reader.notifications != 0 {
		t.Fatalf("reader notifications = %d, want 0", reader.notifications)
	}
}

func TestUnsubscribeWriterLeavesChannelAliveWithReaders(t *testing.T) {
	r, fb := newTestRegistry()
	writer := &fakeSession{name: "writer"}
	reader := &fakeSession{name: "reader"}

	r.Subscribe(writer, "trades", true, 0)
	r.Subscribe(reader, "trades", false, 0)

	if err := r.Unsubscribe(writer, "trades", true); err != nil {
		t.Fatalf("unsubscribe writer: %v", err)
	}

	ch, ok := r.Lookup("trades")
	if !ok {
		t.Fatal("channel should still exist: reader remains")
	}
	if ch.HasWriter() {
		t.Fatal("writer should be cleared")
	}
	if len(fb.closed) != 0 {
		t.Fatal("buffer should not be closed while a reader remains")
	}
}

func TestUnsubscribeLastSubscriberDestroysChannel(t *testing.T) {
	r, fb := newTestRegistry()
	writer := &fakeSession{name: "writer"}

	r.Subscribe(writer, "trades", true, 0)
	if err := r.Unsubscribe(writer, "trades", true); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if _, ok := r.Lookup("trades"); ok {
		t.Fatal("channel should have been destroyed")
	}
	if r.ChannelCount() != 0 {
		t.Fatalf("channel count = %d, want 0", r.ChannelCount())
	}
	if len(fb.closed) != 1 {
		t.Fatalf("expected buffer closed once, got %d", len(fb.closed))
	}
}

func TestUnsubscribeReaderNotifiesRemainingWriter(t *testing.T) {
	r, _ := newTestRegistry()
	writer := &fakeSession{name: "writer"}
	reader := &fakeSession{name: "reader"}

	r.Subscribe(writer, "trades", true, 0)
	r.Subscribe(reader, "trades", false, 0)
	writer.notifications = 0

	if err := r.Unsubscribe(reader, "trades", false); err != nil {
		t.Fatalf("unsubscribe reader: %v", err)
	}

	if writer.notifications != 1 {
		t.Fatalf("writer notifications = %d, want 1", writer.notifications)
	}
	if writer.lastNumReaders != 0 {
		t.Fatalf("writer lastNumReaders = %d, want 0", writer.lastNumReaders)
	}
}

func TestUnsubscribeUnknownChannel(t *testing.T) {
	r, _ := newTestRegistry()
	sess := &fakeSession{name: "s"}

	if err := r.Unsubscribe(sess, "nope", true); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestUnsubscribeWrongWriter(t *testing.T) {
	r, _ := newTestRegistry()
	writer := &fakeSession{name: "writer"}
	other := &fakeSession{name: "other"}

	r.Subscribe(writer, "trades", true, 0)
	if err := r.Unsubscribe(other, "trades", true); !errors.Is(err, ErrNotWriter) {
		t.Fatalf("expected ErrNotWriter, got %v", err)
	}
}

func TestUnsubscribeReaderNotSubscribed(t *testing.T) {
	r, _ := newTestRegistry()
	writer := &fakeSession{name: "writer"}
	other := &fakeSession{name: "other"}

	r.Subscribe(writer, "trades", true, 0)
	if err := r.Unsubscribe(other, "trades", false); !errors.Is(err, ErrNotSubscribedReader) {
		t.Fatalf("expected ErrNotSubscribedReader, got %v", err)
	}
}

func TestSubscribeExplicitSizeBypassesDefault(t *testing.T) {
	r, _ := newTestRegistry()
	writer := &fakeSession{name: "writer"}

	ch, err := r.Subscribe(writer, "trades", true, 1<<20)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ch.ActualSize != 1<<20 {
		t.Fatalf("actual size = %d, want %d", ch.ActualSize, 1<<20)
	}
}

func TestChannelsActiveGaugeTracksLiveChannelCount(t *testing.T) {
	fb := &fakeBuffer{}
	m := metrics.New(prometheus.NewRegistry())
	r := New(65536, fb.create, fb.close, m)
	writer := &fakeSession{name: "writer"}

	if _, err := r.Subscribe(writer, "trades", true, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := testutil.ToFloat64(m.ChannelsActive); got != 1 {
		t.Fatalf("channels active = %v, want 1", got)
	}

	if err := r.Unsubscribe(writer, "trades", true); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := testutil.ToFloat64(m.ChannelsActive); got != 0 {
		t.Fatalf("channels active = %v, want 0 after channel destroyed", got)
	}
}

func TestDuplicateReaderSubscriptionsAreOrderedMultiset(t *testing.T) {
	r, _ := newTestRegistry()
	writer := &fakeSession{name: "writer"}
	reader := &fakeSession{name: "reader"}

	r.Subscribe(writer, "trades", true, 0)
	r.Subscribe(reader, "trades", false, 0)
	r.Subscribe(reader, "trades", false, 0)

	ch, _ := r.Lookup("trades")
	if ch.ReaderCount() != 2 {
		t.Fatalf("reader count = %d, want 2 (duplicates permitted)", ch.ReaderCount())
	}

	if err := r.Unsubscribe(reader, "trades", false); err != nil {
		t.Fatalf("unsubscribe one: %v", err)
	}
	if ch.ReaderCount() != 1 {
		t.Fatalf("reader count after one removal = %d, want 1", ch.ReaderCount())
	}
}
