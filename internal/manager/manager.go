//go:build linux

// Package manager implements the Manager facade: the strict init sequence
// (copy permission sets, set the default buffer size, open the audit log,
// create the listening socket, ignore SIGPIPE, register with the reactor)
// and the single-threaded accept/dispatch loop that drives everything else.
//
// Grounded on original_source/smb_manager/ShMemBCastManager.cpp's init()
// and onRead() (credential-gated accept), adapted from SelectDispatcher's
// channel-based callback registration to this repo's epoll-based Reactor.
package manager

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"

	"github.com/adred-codev/shmembroker/internal/auditlog"
	"github.com/adred-codev/shmembroker/internal/board"
	"github.com/adred-codev/shmembroker/internal/config"
	"github.com/adred-codev/shmembroker/internal/ipc"
	"github.com/adred-codev/shmembroker/internal/metrics"
	"github.com/adred-codev/shmembroker/internal/protocol"
	"github.com/adred-codev/shmembroker/internal/registry"
	"github.com/adred-codev/shmembroker/internal/session"
)

// Config is everything the Manager needs to initialize: the validated CLI
// flags and the ambient environment settings.
type Config struct {
	Flags *config.Flags
	Env   *config.Env
}

// Manager owns the listening socket, the reactor, the channel registry, and
// every live client session. All of its methods, other than Stop (which
// may be called once from a signal handler), are expected to run on a
// single goroutine — the reactor loop is the only thing touching session
// and registry state, per spec.md §5.
type Manager struct {
	cfg      Config
	audit    *auditlog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	reactor  *ipc.Reactor
	listener *net.UnixListener
	listenFD int
	sessions map[int]*sessionEntry

	admissionLimiter *rate.Limiter

	socketPath string
}

// sessionEntry pairs a client session with its own FrameReader, so a
// partial frame from one connection accumulates independently of every
// other fd the reactor is watching (spec.md §5's no-suspension invariant —
// one slow or silent client must never stall another's dispatch).
type sessionEntry struct {
	sess   *session.Session
	reader *ipc.FrameReader
}

// New runs the Manager's init sequence:
//  1. copies the permitted UID/GID sets (carried on cfg.Flags)
//  2. sets the default buffer size
//  3. opens the audit log (with rotation)
//  4. creates the listening socket directory and the socket itself
//  5. ignores SIGPIPE
//  6. creates the reactor and registers the listening socket
//
// Any failure partway unwinds everything opened so far before returning,
// mirroring the goto-chain unwind in original_source's init().
func New(cfg Config, metricsSet *metrics.Metrics) (*Manager, error) {
	return newManager(cfg, metricsSet, config.SocketPath(cfg.Flags.VLAN))
}

// newManager is New's implementation with the socket path taken explicitly,
// so tests can point it at a temp directory instead of SocketDirFormat's
// fixed /var/run/shmembroker location.
func newManager(cfg Config, metricsSet *metrics.Metrics, socketPath string) (m *Manager, err error) {
	// Zero the umask before opening the log file or creating the socket
	// directory, matching init()'s umask(0): otherwise the requested 0666
	// log mode and 0777 directory mode are whatever the process umask
	// leaves (e.g. 0644/0755 under the common 022 default), not what every
	// permitted UID/GID needs to reach them. Never restored — original_source
	// sets this once for the process lifetime too.
	syscall.Umask(0)

	audit, err := auditlog.Open(cfg.Flags.LogFilePath)
	if err != nil {
		return nil, fmt.Errorf("manager: open audit log: %w", err)
	}
	defer func() {
		if err != nil {
			audit.Close()
		}
	}()

	socketDir := parentDir(socketPath)
	if err := os.MkdirAll(socketDir, 0777); err != nil {
		return nil, fmt.Errorf("manager: create socket directory: %w", err)
	}

	listener, err := ipc.Listen(socketPath, 0777)
	if err != nil {
		return nil, fmt.Errorf("manager: create listening socket: %w", err)
	}
	defer func() {
		if err != nil {
			listener.Close()
			os.Remove(socketPath)
		}
	}()

	// bind() lowers the directory's mode (observed as 0755), so reset it
	// back to 0777 now that the socket exists within it.
	if err := os.Chmod(socketDir, 0777); err != nil {
		return nil, fmt.Errorf("manager: re-chmod socket directory: %w", err)
	}

	// Ignore SIGPIPE: a client that vanishes mid-write must not take the
	// Manager down with it, matching init()'s explicit sigaction(SIGPIPE,
	// SIG_IGN). Go's net package already returns EPIPE as an error rather
	// than raising the signal for socket writes, but os/exec children or
	// any other write path could still raise it, so this stays explicit.
	signalIgnoreSIGPIPE()

	reg := registry.New(cfg.Flags.BufferSize, board.Create, board.Close, metricsSet)

	reactor, err := ipc.NewReactor(cfg.Env.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("manager: create reactor: %w", err)
	}
	defer func() {
		if err != nil {
			reactor.Close()
		}
	}()

	rawListener, err := listener.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("manager: get listener fd: %w", err)
	}
	listenFD := -1
	if err := rawListener.Control(func(fd uintptr) { listenFD = int(fd) }); err != nil {
		return nil, fmt.Errorf("manager: get listener fd: %w", err)
	}

	if err := reactor.Add(listenFD); err != nil {
		return nil, fmt.Errorf("manager: register listening socket: %w", err)
	}

	m = &Manager{
		cfg:              cfg,
		audit:            audit,
		metrics:          metricsSet,
		registry:         reg,
		reactor:          reactor,
		listener:         listener,
		listenFD:         listenFD,
		sessions:         make(map[int]*sessionEntry),
		admissionLimiter: rate.NewLimiter(rate.Limit(cfg.Env.AdmissionRatePerSecond), cfg.Env.AdmissionRatePerSecond),
		socketPath:       socketPath,
	}

	m.logStartupBanner()
	return m, nil
}

func parentDir(path string) string {
	idx := len(path) - 1
	for idx >= 0 && path[idx] != '/' {
		idx--
	}
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (m *Manager) logStartupBanner() {
	m.audit.Logf("---------------------------------------------------------------")
	m.audit.Logf("Manager Started with Settings:")
	m.audit.Logf("  VLAN                : %s", m.cfg.Flags.VLAN)
	m.audit.Logf("  Permitted UID's     : %s", formatUintSet(m.cfg.Flags.PermittedUIDs))
	m.audit.Logf("  Permitted GID's     : %s", formatUintSet(m.cfg.Flags.PermittedGIDs))
	m.audit.Logf("  Default Buffer Size : %d", m.cfg.Flags.BufferSize)
	m.audit.Logf("  Log File            : %s", m.cfg.Flags.LogFilePath)
	m.audit.Logf("---------------------------------------------------------------")
}

func formatUintSet(set map[uint32]struct{}) string {
	if len(set) == 0 {
		return ""
	}
	out := ""
	first := true
	for v := range set {
		if !first {
			out += ","
		}
		out += fmt.Sprintf("%d", v)
		first = false
	}
	return out
}

// ClientCount implements health.Stats.
func (m *Manager) ClientCount() int { return len(m.sessions) }

// ChannelCount implements health.Stats.
func (m *Manager) ChannelCount() int { return m.registry.ChannelCount() }

// Run executes the reactor loop until ctx is canceled. It never returns an
// error in steady state; only setup/teardown failures are reported.
func (m *Manager) Run(ctx context.Context) error {
	stopMetrics := m.runMetricsSampler(ctx)
	defer stopMetrics()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := m.reactor.Wait(1000)
		if err != nil {
			return fmt.Errorf("manager: reactor wait: %w", err)
		}

		for _, fd := range ready {
			m.metrics.ReactorEventsTotal.Inc()
			if fd == m.listenFD {
				m.acceptOne()
				continue
			}
			m.dispatchOne(fd)
		}
	}
}

// runMetricsSampler starts a ticker, independent of the reactor loop, that
// periodically samples the Manager process's own RSS and open-fd count into
// the ResidentMemoryBytes/OpenFileDescriptors gauges — these are read by
// Prometheus scraping /metrics, not by anything on the dispatch path, so
// they need their own clock rather than piggybacking on reactor events.
// Sampling only ever calls Gauge.Set, which is safe to call from a
// goroutine other than the reactor's.
func (m *Manager) runMetricsSampler(ctx context.Context) (stop func()) {
	interval := m.cfg.Env.MetricsInterval
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				m.sampleProcessMetrics()
			}
		}
	}()
	return func() { close(done) }
}

func (m *Manager) sampleProcessMetrics() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		m.metrics.ResidentMemoryBytes.Set(float64(memInfo.RSS))
	}
	if n, err := proc.NumFDs(); err == nil {
		m.metrics.OpenFileDescriptors.Set(float64(n))
	}
}

func (m *Manager) acceptOne() {
	conn, err := m.listener.AcceptUnix()
	if err != nil {
		// Silently drop, matching onRead()'s "0 > accept() => return 0".
		return
	}

	link := ipc.NewLink(conn)

	if !m.admissionLimiter.Allow() {
		m.metrics.AdmissionRejectionsTotal.WithLabelValues("rate_limited").Inc()
		link.Close()
		return
	}

	creds, err := link.PeerCredentials()
	if err != nil {
		m.audit.Logf("failed to get client credentials, dropping connection: %v", err)
		link.Close()
		return
	}

	if !m.isPermitted(creds) {
		m.metrics.AdmissionRejectionsTotal.WithLabelValues("not_permitted").Inc()
		m.audit.Logf("rejected connection from process %d (uid %d, gid %d): not in permitted uid/gid set",
			creds.PID, creds.UID, creds.GID)
		link.Close()
		return
	}

	fd, err := link.FD()
	if err != nil {
		m.audit.Logf("process %d: could not get link fd: %v", creds.PID, err)
		link.Close()
		return
	}

	if err := m.reactor.Add(fd); err != nil {
		m.audit.Logf("process %d: could not register with reactor: %v", creds.PID, err)
		link.Close()
		return
	}

	sess := session.New(link, m.registry, m.audit, creds, m.metrics)
	m.sessions[fd] = &sessionEntry{
		sess:   sess,
		reader: ipc.NewFrameReader(protocol.HeaderSize, decodeFrameSize),
	}
	m.metrics.ClientsActive.Inc()
	m.metrics.ClientsTotal.Inc()

	m.audit.Logf("accepted connection from process %d (uid %d, gid %d)", creds.PID, creds.UID, creds.GID)
}

func (m *Manager) isPermitted(creds ipc.Credentials) bool {
	if _, ok := m.cfg.Flags.PermittedUIDs[creds.UID]; ok {
		return true
	}
	if _, ok := m.cfg.Flags.PermittedGIDs[creds.GID]; ok {
		return true
	}
	return false
}

// decodeFrameSize reads a frame's declared total length out of its header,
// for FrameReader's use in deciding when enough bytes have accumulated.
func decodeFrameSize(header []byte) (int, error) {
	hdr, err := protocol.DecodeHeader(header)
	if err != nil {
		return 0, err
	}
	if int(hdr.Size) > protocol.MaxMessageSize {
		return 0, fmt.Errorf("manager: declared frame size %d exceeds maximum %d", hdr.Size, protocol.MaxMessageSize)
	}
	return int(hdr.Size), nil
}

// dispatchOne handles one read-readiness event for fd. It performs exactly
// one read via the session's FrameReader (never blocking — epoll already
// confirmed data is available) and dispatches every frame that read
// completed, if any. A client mid-frame with nothing more to say yet simply
// yields zero frames; its partial bytes stay buffered for the next
// readiness event instead of stalling this or any other connection.
func (m *Manager) dispatchOne(fd int) {
	entry, ok := m.sessions[fd]
	if !ok {
		return
	}

	frames, err := entry.reader.Feed(entry.sess.Link())
	if err != nil {
		m.teardown(fd, entry)
		return
	}

	for _, frame := range frames {
		header, err := protocol.DecodeHeader(frame)
		if err != nil {
			m.teardown(fd, entry)
			return
		}

		if int(header.Size) != len(frame) {
			m.teardown(fd, entry)
			return
		}

		if disconnect := entry.sess.Dispatch(header, frame[protocol.HeaderSize:]); disconnect {
			m.teardown(fd, entry)
			return
		}
	}
}

func (m *Manager) teardown(fd int, entry *sessionEntry) {
	m.reactor.Remove(fd)
	delete(m.sessions, fd)
	m.metrics.ClientsActive.Dec()
	entry.sess.Disconnect()
}

// Stop closes the listening socket, every live session, the reactor, and
// the audit log, and removes the socket file.
func (m *Manager) Stop() {
	for fd, entry := range m.sessions {
		m.reactor.Remove(fd)
		entry.sess.Disconnect()
	}
	m.sessions = nil

	m.reactor.Remove(m.listenFD)
	m.listener.Close()
	os.Remove(m.socketPath)

	m.reactor.Close()

	m.audit.Logf("Manager Ending")
	m.audit.Close()
}

func signalIgnoreSIGPIPE() {
	// signal.Ignore installs the equivalent of SIG_IGN for the specified
	// signal for the remaining lifetime of the process.
	signal.Ignore(syscall.SIGPIPE)
}
