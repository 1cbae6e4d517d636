package discovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/dds/protocol"
)

// PeerWatcher mirrors the endpoints of a statically configured peer
// participant into a Matcher, by periodically polling them.
type PeerWatcher struct {
	// Fetch returns the current endpoints of the peer.
	Fetch func(context.Context) ([]pb.EndpointSpec, error)
	// Participant is the name of the local participant. Fetched endpoints
	// it owns are ignored.
	Participant string
	// Matcher into which endpoints are mirrored.
	Matcher *Matcher
	// Interval between polls.
	Interval time.Duration

	known map[pb.EndpointID]pb.EndpointSpec
}

// Watch polls the peer every Interval until |ctx| is done. Failed polls are
// logged and retried, and endpoints announced by the PeerWatcher are
// withdrawn when it returns.
func (w *PeerWatcher) Watch(ctx context.Context) error {
	var ticker = time.NewTicker(w.Interval)
	defer ticker.Stop()

	defer func() {
		for id := range w.known {
			_ = w.Matcher.Withdraw(id)
		}
		w.known = nil
	}()

	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("failed to poll peer endpoints (will retry)")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Poll the peer once, announcing its new endpoints and withdrawing those
// which have vanished.
func (w *PeerWatcher) Poll(ctx context.Context) error {
	var specs, err = w.Fetch(ctx)
	if err != nil {
		return errors.WithMessage(err, "fetching peer endpoints")
	}
	if w.known == nil {
		w.known = make(map[pb.EndpointID]pb.EndpointSpec)
	}

	var next = make(map[pb.EndpointID]pb.EndpointSpec, len(specs))
	for _, spec := range specs {
		if spec.Participant == w.Participant {
			continue
		}
		if cur, ok := w.known[spec.ID]; ok && cur != spec {
			_ = w.Matcher.Withdraw(spec.ID)
		} else if ok {
			next[spec.ID] = spec
			continue
		}
		if err := w.Matcher.Announce(spec); err != nil {
			log.WithFields(log.Fields{"id": spec.ID, "err": err}).
				Error("failed to announce peer endpoint")
			continue
		}
		next[spec.ID] = spec
	}
	for id := range w.known {
		if _, ok := next[id]; ok {
			continue
		}
		if err := w.Matcher.Withdraw(id); err != nil && errors.Cause(err) != pb.ErrNotFound {
			log.WithFields(log.Fields{"id": id, "err": err}).Warn("failed to withdraw peer endpoint")
		}
	}
	w.known = next
	return nil
}
