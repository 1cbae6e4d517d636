package participant

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/session"
)

// link connects a local Writer with a remote reader. It dials the reader's
// locator and re-dials when the session fails, replaying frames which the
// failed session never saw acknowledged. Readers discard replayed frames
// they already delivered.
type link struct {
	p      *Participant
	w      *Writer
	reader pb.EndpointSpec

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

func newLink(p *Participant, w *Writer, reader pb.EndpointSpec) *link {
	var ctx, cancel = context.WithCancel(p.tasks.Context())
	return &link{
		p:      p,
		w:      w,
		reader: reader,
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
}

// Close the link and its current session.
func (l *link) Close() error {
	l.cancel()
	<-l.exited
	return nil
}

func (l *link) serve() error {
	defer close(l.exited)

	var entry = log.WithFields(log.Fields{
		"writer":  l.w.spec.ID,
		"reader":  l.reader.ID,
		"locator": l.reader.Locator,
	})
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = l.p.cfg.DialTimeout
	bo.Reset()

	var replay []pb.Frame

	for {
		var s, closed, err = l.establish(replay)

		if l.ctx.Err() != nil {
			return nil
		} else if err != nil {
			switch errors.Cause(err) {
			case pb.ErrIncompatibleType, pb.ErrUnauthenticated, pb.ErrNotFound:
				entry.WithField("err", err).Warn("reader rejected session")
				l.unmatch()
				return nil
			}
			var wait = bo.NextBackOff()
			if wait == backoff.Stop {
				entry.WithField("err", err).Warn("giving up on unreachable reader")
				l.unmatch()
				return nil
			}
			entry.WithFields(log.Fields{"err": err, "wait": wait}).Info("failed to establish session (will retry)")

			select {
			case <-time.After(wait):
				continue
			case <-l.ctx.Done():
				return nil
			}
		}
		bo.Reset()

		select {
		case err = <-closed:
		case <-l.ctx.Done():
			_ = s.Close()
			return nil
		}
		replay = s.Unacked()

		if err == nil {
			return nil
		} else if errors.Cause(err) == pb.ErrSessionClosed {
			entry.WithField("err", err).Info("reader closed session")
			l.unmatch()
			return nil
		}
		entry.WithFields(log.Fields{"err": err, "unacked": len(replay)}).
			Warn("session failed (will re-dial)")
	}
}

// establish a session with the reader, replay |frames| into it, and attach
// it to the Writer. The returned channel receives the session's close error.
func (l *link) establish(frames []pb.Frame) (*session.Session, <-chan error, error) {
	var conn, err = session.DialTCP(l.ctx, l.reader.Locator, l.p.cfg.DialTimeout)
	if err != nil {
		return nil, nil, err
	}
	var closed = make(chan error, 1)

	s, err := session.Dial(conn, l.w.options(l.reader, func(s *session.Session, err error) {
		l.w.detach(s)
		closed <- err
	}))
	if err != nil {
		return nil, nil, err
	}

	for i, f := range frames {
		if err = s.Send(f, nil); err != nil {
			log.WithFields(log.Fields{
				"reader":  l.reader.ID,
				"dropped": len(frames) - i,
				"err":     err,
			}).Warn("failed to replay unacknowledged frames")
			break
		}
	}
	l.w.attach(s)
	return s, closed, nil
}

func (l *link) unmatch() { l.p.matcher.Unmatch(l.w.spec.ID, l.reader.ID) }
