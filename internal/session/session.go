//go:build linux

// Package session implements the per-client state machine: the event-mode
// flag, the list of live subscriptions, and the dispatch-on-message-type
// handling that drives the channel registry.
package session

import (
	"fmt"

	"github.com/adred-codev/shmembroker/internal/ipc"
	"github.com/adred-codev/shmembroker/internal/metrics"
	"github.com/adred-codev/shmembroker/internal/protocol"
	"github.com/adred-codev/shmembroker/internal/registry"
)

// Logger is the narrow line-oriented sink the session writes audit lines
// to; satisfied by *auditlog.Logger. Kept as an interface so session tests
// don't need a real file.
type Logger interface {
	Logf(format string, args ...interface{})
}

// Subscription records one channel this session currently holds, mirroring
// the original's per-client Subscription list used to validate unsubscribe
// requests and to sweep everything on disconnect.
type Subscription struct {
	ChannelName string
	Writer      bool
}

// Session is one connected client: its link, its kernel-verified identity,
// its event-mode flag, and its live subscriptions.
type Session struct {
	link          *ipc.Link
	registry      *registry.Registry
	logger        Logger
	creds         ipc.Credentials
	eventMode     bool
	subscriptions []Subscription
	metrics       *metrics.Metrics
}

// New wraps an accepted, credential-checked link into a session.
// metricsSet may be nil (tests that don't care about instrumentation).
func New(link *ipc.Link, reg *registry.Registry, logger Logger, creds ipc.Credentials, metricsSet *metrics.Metrics) *Session {
	return &Session{
		link:     link,
		registry: reg,
		logger:   logger,
		creds:    creds,
		metrics:  metricsSet,
	}
}

// PID returns the client's kernel-verified process ID, used throughout
// logging exactly as the original tags every line with m_pid.
func (s *Session) PID() int32 { return s.creds.PID }

// FD returns the session's link file descriptor, for reactor registration.
func (s *Session) FD() (int, error) { return s.link.FD() }

// Link exposes the underlying connection so the reactor loop can read the
// next frame before handing it to Dispatch.
func (s *Session) Link() *ipc.Link { return s.link }

// NotifySubscriptionChange implements registry.Session: pushed to a
// channel's writer after a reader subscribe or unsubscribe commits. Silent
// no-op unless this session is in event mode; it does not itself check that
// it is the channel's writer, since the registry only calls it on the writer
// — mirrors sendChannelSubscriptionEvent's "not an event mode client,
// return" early-out.
func (s *Session) NotifySubscriptionChange(channelName string, numReaders int) {
	if !s.eventMode {
		return
	}
	event, err := protocol.EncodeChannelSubscriptionEvent(uint16(numReaders), channelName)
	if err != nil {
		s.logger.Logf("process %d: could not encode subscription event for channel %q: %v", s.creds.PID, channelName, err)
		return
	}
	if err := s.link.Write(event); err != nil {
		// Not fatal: original treats a failed event write as fire-and-forget.
		s.logger.Logf("process %d: failed to deliver subscription event for channel %q: %v", s.creds.PID, channelName, err)
	}
}

// Dispatch handles exactly one frame, already read by the caller, given as
// its decoded header and body. It returns disconnect=true when the session must be torn down
// (protocol violation or an unrecoverable write failure), matching the
// original's onRead / TTECH_DELETE_CHAN contract.
func (s *Session) Dispatch(header protocol.Header, body []byte) (disconnect bool) {
	if header.Version != protocol.Version {
		s.logger.Logf("process %d version error", s.creds.PID)
		return true
	}

	var err error
	switch header.Type {
	case protocol.EventModeRequest:
		err = s.handleEventMode(true)
	case protocol.NoEventModeRequest:
		err = s.handleEventMode(false)
	case protocol.WriterSubscribeRequest:
		err = s.handleSubscribe(header, body, true)
	case protocol.ReaderSubscribeRequest:
		err = s.handleSubscribe(header, body, false)
	case protocol.WriterUnsubscribeRequest:
		err = s.handleUnsubscribe(body, true)
	case protocol.ReaderUnsubscribeRequest:
		err = s.handleUnsubscribe(body, false)
	default:
		s.logger.Logf("process %d unsupported msg type %v", s.creds.PID, header.Type)
		return true
	}

	if err != nil {
		s.logger.Logf("process %d: %v", s.creds.PID, err)
		return true
	}
	return false
}

func (s *Session) handleEventMode(enable bool) error {
	s.eventMode = enable
	return s.sendApprovalDenial(true)
}

func (s *Session) handleSubscribe(header protocol.Header, body []byte, isWriter bool) error {
	req, err := protocol.DecodeSubscribeRequest(body)
	if err != nil {
		return fmt.Errorf("malformed subscribe request: %w", err)
	}

	channel, subErr := s.registry.Subscribe(s, req.ChannelName, isWriter, req.RequestedSize)
	if subErr != nil {
		// Denial covers both registry contention (second writer) and
		// provisioning failure — neither is fatal to the session itself.
		s.logger.Logf("process %d failed to subscribe to channel %q as %s: %v",
			s.creds.PID, req.ChannelName, roleName(isWriter), subErr)
		if s.metrics != nil {
			s.metrics.DenialsTotal.WithLabelValues(roleName(isWriter) + "_subscribe").Inc()
		}
		return s.sendApprovalDenial(false)
	}

	s.subscriptions = append(s.subscriptions, Subscription{ChannelName: req.ChannelName, Writer: isWriter})

	var rollbackErr error

	if err := s.sendApprovalDenial(true); err != nil {
		rollbackErr = err
		goto rollback
	}

	if err := s.link.SendFD([]byte{1}, channel.FD); err != nil {
		if s.metrics != nil {
			s.metrics.FDTransferFailuresTotal.Inc()
		}
		rollbackErr = fmt.Errorf("send fd for channel %q: %w", req.ChannelName, err)
		goto rollback
	}

	if s.metrics != nil {
		s.metrics.SubscriptionsTotal.WithLabelValues(roleName(isWriter)).Inc()
	}
	s.logger.Logf("process %d successfully subscribed to channel %q as %s", s.creds.PID, req.ChannelName, roleName(isWriter))
	return nil

rollback:
	s.subscriptions = s.subscriptions[:len(s.subscriptions)-1]
	if unsubErr := s.registry.Unsubscribe(s, req.ChannelName, isWriter); unsubErr != nil {
		return fmt.Errorf("rollback after failed subscribe to %q: %w", req.ChannelName, unsubErr)
	}
	return rollbackErr
}

func (s *Session) handleUnsubscribe(body []byte, isWriter bool) error {
	req, err := protocol.DecodeUnsubscribeRequest(body)
	if err != nil {
		return fmt.Errorf("malformed unsubscribe request: %w", err)
	}

	idx := s.findSubscription(req.ChannelName, isWriter)
	if idx < 0 {
		s.logger.Logf("process %d failed to unsubscribe from channel %q as %s: not subscribed",
			s.creds.PID, req.ChannelName, roleName(isWriter))
		if s.metrics != nil {
			s.metrics.DenialsTotal.WithLabelValues(roleName(isWriter) + "_unsubscribe").Inc()
		}
		return s.sendApprovalDenial(false)
	}

	if err := s.registry.Unsubscribe(s, req.ChannelName, isWriter); err != nil {
		s.logger.Logf("process %d failed to unsubscribe from channel %q as %s: %v",
			s.creds.PID, req.ChannelName, roleName(isWriter), err)
		if s.metrics != nil {
			s.metrics.DenialsTotal.WithLabelValues(roleName(isWriter) + "_unsubscribe").Inc()
		}
		return s.sendApprovalDenial(false)
	}

	s.subscriptions = append(s.subscriptions[:idx], s.subscriptions[idx+1:]...)

	if err := s.sendApprovalDenial(true); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.UnsubscriptionsTotal.WithLabelValues(roleName(isWriter)).Inc()
	}
	s.logger.Logf("process %d successfully unsubscribed from channel %q as %s", s.creds.PID, req.ChannelName, roleName(isWriter))
	return nil
}

func (s *Session) findSubscription(channelName string, isWriter bool) int {
	for i, sub := range s.subscriptions {
		if sub.ChannelName == channelName && sub.Writer == isWriter {
			return i
		}
	}
	return -1
}

func (s *Session) sendApprovalDenial(approval bool) error {
	var buf []byte
	if approval {
		buf = protocol.EncodeApproval()
	} else {
		buf = protocol.EncodeDenial()
	}
	if err := s.link.Write(buf); err != nil {
		return fmt.Errorf("send approval/denial: %w", err)
	}
	return nil
}

func roleName(isWriter bool) string {
	if isWriter {
		return "writer"
	}
	return "reader"
}

// Disconnect unsubscribes from every live channel, logging each, matching
// the original's disconnect() sweep. Called once, when the reactor tears
// down this session's link.
func (s *Session) Disconnect() {
	s.logger.Logf("process %d disconnected", s.creds.PID)

	for _, sub := range s.subscriptions {
		s.logger.Logf("process %d considered unsubscribed from channel %q as %s",
			s.creds.PID, sub.ChannelName, roleName(sub.Writer))
		if err := s.registry.Unsubscribe(s, sub.ChannelName, sub.Writer); err != nil {
			s.logger.Logf("process %d: cleanup unsubscribe from %q failed: %v", s.creds.PID, sub.ChannelName, err)
		}
	}
	s.subscriptions = nil
	s.link.Close()
}
