//go:build linux

package session

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/adred-codev/shmembroker/internal/ipc"
	"github.com/adred-codev/shmembroker/internal/metrics"
	"github.com/adred-codev/shmembroker/internal/protocol"
	"github.com/adred-codev/shmembroker/internal/registry"
)

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Logf(format string, args ...interface{}) {
	l.lines = append(l.lines, format)
}

func newLinkedPairForSession(t *testing.T) (clientConn *net.UnixConn, serverLink *ipc.Link) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.sock")

	listener, err := ipc.Listen(path, 0700)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := listener.AcceptUnix()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	return client, ipc.NewLink(server)
}

func newTestRegistry() *registry.Registry {
	nextFD := 0
	create := func(size uint64) (int, uint64, error) {
		nextFD++
		return nextFD, size, nil
	}
	closeFn := func(fd int) error { return nil }
	return registry.New(65536, create, closeFn, nil)
}

func readHeader(t *testing.T, conn *net.UnixConn) protocol.Header {
	t.Helper()
	buf := make([]byte, protocol.HeaderSize)
	if _, err := readFullConn(conn, buf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	hdr, err := protocol.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	return hdr
}

func readFullConn(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestEventModeRequestSendsApproval(t *testing.T) {
	clientConn, link := newLinkedPairForSession(t)
	defer clientConn.Close()
	defer link.Close()

	logger := &recordingLogger{}
	sess := New(link, newTestRegistry(), logger, ipc.Credentials{PID: 1234}, nil)

	disconnect := sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.EventModeRequest}, nil)
	if disconnect {
		t.Fatal("event mode request should not disconnect")
	}

	hdr := readHeader(t, clientConn)
	if hdr.Type != protocol.ApprovalMessage {
		t.Fatalf("type = %v, want ApprovalMessage", hdr.Type)
	}
	if !sess.eventMode {
		t.Fatal("expected event mode enabled")
	}
}

func TestUnknownMessageTypeDisconnects(t *testing.T) {
	clientConn, link := newLinkedPairForSession(t)
	defer clientConn.Close()
	defer link.Close()

	logger := &recordingLogger{}
	sess := New(link, newTestRegistry(), logger, ipc.Credentials{PID: 1}, nil)

	disconnect := sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.MessageType(99)}, nil)
	if !disconnect {
		t.Fatal("unknown message type should disconnect")
	}
}

func TestWrongVersionDisconnects(t *testing.T) {
	clientConn, link := newLinkedPairForSession(t)
	defer clientConn.Close()
	defer link.Close()

	logger := &recordingLogger{}
	sess := New(link, newTestRegistry(), logger, ipc.Credentials{PID: 1}, nil)

	disconnect := sess.Dispatch(protocol.Header{Version: 99, Type: protocol.EventModeRequest}, nil)
	if !disconnect {
		t.Fatal("wrong version should disconnect")
	}
}

func subscribeBody(t *testing.T, size uint32, name string) []byte {
	t.Helper()
	body := make([]byte, 4+len(name))
	body[0] = byte(size)
	body[1] = byte(size >> 8)
	body[2] = byte(size >> 16)
	body[3] = byte(size >> 24)
	copy(body[4:], name)
	return body
}

func TestWriterSubscribeApprovesAndSendsFD(t *testing.T) {
	clientConn, link := newLinkedPairForSession(t)
	defer clientConn.Close()
	defer link.Close()

	logger := &recordingLogger{}
	reg := newTestRegistry()
	sess := New(link, reg, logger, ipc.Credentials{PID: 42}, nil)

	body := subscribeBody(t, 0, "trades")
	disconnect := sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterSubscribeRequest}, body)
	if disconnect {
		t.Fatal("successful subscribe should not disconnect")
	}

	hdr := readHeader(t, clientConn)
	if hdr.Type != protocol.ApprovalMessage {
		t.Fatalf("type = %v, want ApprovalMessage", hdr.Type)
	}

	// Second datagram carries the FD payload.
	oob := make([]byte, 64)
	payload := make([]byte, 16)
	_, oobn, _, _, err := clientConn.ReadMsgUnix(payload, oob)
	if err != nil {
		t.Fatalf("read fd message: %v", err)
	}
	if oobn == 0 {
		t.Fatal("expected ancillary data carrying the fd")
	}

	if len(sess.subscriptions) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(sess.subscriptions))
	}

	if _, ok := reg.Lookup("trades"); !ok {
		t.Fatal("expected channel to exist in registry")
	}
}

func TestSubscribeUnsubscribeIncrementMetrics(t *testing.T) {
	clientConn, link := newLinkedPairForSession(t)
	defer clientConn.Close()
	defer link.Close()

	logger := &recordingLogger{}
	reg := newTestRegistry()
	m := metrics.New(prometheus.NewRegistry())
	sess := New(link, reg, logger, ipc.Credentials{PID: 1}, m)

	body := subscribeBody(t, 0, "trades")
	if disconnect := sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterSubscribeRequest}, body); disconnect {
		t.Fatal("subscribe should succeed")
	}
	readHeader(t, clientConn)
	oob := make([]byte, 64)
	payload := make([]byte, 16)
	clientConn.ReadMsgUnix(payload, oob)

	if got := testutil.ToFloat64(m.SubscriptionsTotal.WithLabelValues("writer")); got != 1 {
		t.Fatalf("subscriptions_total{role=writer} = %v, want 1", got)
	}

	if disconnect := sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterUnsubscribeRequest}, []byte("trades")); disconnect {
		t.Fatal("unsubscribe should succeed")
	}
	readHeader(t, clientConn)

	if got := testutil.ToFloat64(m.UnsubscriptionsTotal.WithLabelValues("writer")); got != 1 {
		t.Fatalf("unsubscriptions_total{role=writer} = %v, want 1", got)
	}

	// A second unsubscribe attempt for the same channel is now a denial.
	if disconnect := sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterUnsubscribeRequest}, []byte("trades")); disconnect {
		t.Fatal("denied unsubscribe is not fatal to the session")
	}
	readHeader(t, clientConn)

	if got := testutil.ToFloat64(m.DenialsTotal.WithLabelValues("writer_unsubscribe")); got != 1 {
		t.Fatalf("denials_total{reason=writer_unsubscribe} = %v, want 1", got)
	}
}

func TestSecondWriterSubscribeDenied(t *testing.T) {
	clientConnA, linkA := newLinkedPairForSession(t)
	defer clientConnA.Close()
	defer linkA.Close()
	clientConnB, linkB := newLinkedPairForSession(t)
	defer clientConnB.Close()
	defer linkB.Close()

	logger := &recordingLogger{}
	reg := newTestRegistry()
	sessA := New(linkA, reg, logger, ipc.Credentials{PID: 1}, nil)
	sessB := New(linkB, reg, logger, ipc.Credentials{PID: 2}, nil)

	body := subscribeBody(t, 0, "trades")
	if disconnect := sessA.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterSubscribeRequest}, body); disconnect {
		t.Fatal("first writer subscribe should succeed")
	}
	readHeader(t, clientConnA)
	oob := make([]byte, 64)
	payload := make([]byte, 16)
	clientConnA.ReadMsgUnix(payload, oob)

	disconnect := sessB.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterSubscribeRequest}, body)
	if disconnect {
		t.Fatal("denied writer subscribe is not fatal to the session")
	}

	hdr := readHeader(t, clientConnB)
	if hdr.Type != protocol.DenialMessage {
		t.Fatalf("type = %v, want DenialMessage", hdr.Type)
	}
	if len(sessB.subscriptions) != 0 {
		t.Fatal("denied subscribe must not add a subscription entry")
	}
}

func TestUnsubscribeUnknownChannelDenied(t *testing.T) {
	clientConn, link := newLinkedPairForSession(t)
	defer clientConn.Close()
	defer link.Close()

	logger := &recordingLogger{}
	sess := New(link, newTestRegistry(), logger, ipc.Credentials{PID: 1}, nil)

	disconnect := sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterUnsubscribeRequest}, []byte("trades"))
	if disconnect {
		t.Fatal("unsubscribe from a channel never joined should not be fatal")
	}

	hdr := readHeader(t, clientConn)
	if hdr.Type != protocol.DenialMessage {
		t.Fatalf("type = %v, want DenialMessage", hdr.Type)
	}
}

func TestDisconnectSweepsSubscriptions(t *testing.T) {
	clientConn, link := newLinkedPairForSession(t)
	defer clientConn.Close()

	logger := &recordingLogger{}
	reg := newTestRegistry()
	sess := New(link, reg, logger, ipc.Credentials{PID: 7}, nil)

	body := subscribeBody(t, 0, "trades")
	sess.Dispatch(protocol.Header{Version: protocol.Version, Type: protocol.WriterSubscribeRequest}, body)
	readHeader(t, clientConn)
	oob := make([]byte, 64)
	payload := make([]byte, 16)
	clientConn.ReadMsgUnix(payload, oob)

	sess.Disconnect()

	if _, ok := reg.Lookup("trades"); ok {
		t.Fatal("expected channel destroyed after sole subscriber disconnects")
	}
	if len(sess.subscriptions) != 0 {
		t.Fatal("expected subscriptions cleared after disconnect")
	}
}
