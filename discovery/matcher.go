// Package discovery tracks announced writer and reader endpoints, matches
// compatible pairs, and connects each matched pair with a session.
package discovery

import (
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/dds/metrics"
	pb "go.gazette.dev/dds/protocol"
)

// Connector connects matched writer and reader endpoints.
type Connector interface {
	// Connect a session between |writer| and |reader|. The returned Closer,
	// which may be nil, is closed when either endpoint is withdrawn. Connect
	// should return promptly, and may establish the session asynchronously.
	Connect(writer, reader pb.EndpointSpec) (io.Closer, error)
}

// Matcher maintains announced endpoints, keyed on topic, and the matched
// writer and reader pairs among them. Endpoints match if they have opposite
// kinds and equal Topics (name and type name). Pairs of differing type
// versions are matched: their sessions fail handshake with
// ErrIncompatibleType.
type Matcher struct {
	connector Connector

	mu        sync.Mutex
	endpoints map[pb.EndpointID]pb.EndpointSpec
	byTopic   map[pb.Topic][]pb.EndpointID
	pairs     map[Pair]*link
}

// Pair is a matched writer and reader.
type Pair struct {
	Writer, Reader pb.EndpointID
}

type link struct{ closer io.Closer }

// NewMatcher returns a Matcher which connects matched pairs with |c|.
func NewMatcher(c Connector) *Matcher {
	return &Matcher{
		connector: c,
		endpoints: make(map[pb.EndpointID]pb.EndpointSpec),
		byTopic:   make(map[pb.Topic][]pb.EndpointID),
		pairs:     make(map[Pair]*link),
	}
}

// Announce an endpoint. Each compatible pair formed with a previously
// announced endpoint is Connected. Announcing an already-announced endpoint
// is a no-op if the EndpointSpec is unchanged, and an error otherwise.
func (m *Matcher) Announce(spec pb.EndpointSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()

	if cur, ok := m.endpoints[spec.ID]; ok {
		m.mu.Unlock()

		if cur != spec {
			return errors.Errorf("endpoint %s is already announced with a different spec", spec.ID)
		}
		return nil
	}
	m.endpoints[spec.ID] = spec
	m.byTopic[spec.Topic] = append(m.byTopic[spec.Topic], spec.ID)
	metrics.AnnouncedEndpoints.WithLabelValues(spec.Kind.String()).Inc()

	type match struct {
		pair           Pair
		writer, reader pb.EndpointSpec
		link           *link
	}
	var matches []match

	for _, id := range m.byTopic[spec.Topic] {
		var peer = m.endpoints[id]
		if !spec.Matches(peer) {
			continue
		}
		var mt = match{writer: spec, reader: peer, link: new(link)}
		if spec.Kind == pb.EndpointKind_READER {
			mt.writer, mt.reader = peer, spec
		}
		mt.pair = Pair{Writer: mt.writer.ID, Reader: mt.reader.ID}

		if _, ok := m.pairs[mt.pair]; ok {
			continue // Already sessioned.
		}
		m.pairs[mt.pair] = mt.link
		metrics.MatchedPairs.Inc()
		matches = append(matches, mt)
	}
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"id":      spec.ID,
		"kind":    spec.Kind,
		"topic":   spec.Topic.String(),
		"locator": spec.Locator,
		"matches": len(matches),
	}).Debug("announced endpoint")

	for _, mt := range matches {
		var closer, err = m.connector.Connect(mt.writer, mt.reader)

		if err != nil {
			log.WithFields(log.Fields{
				"writer": mt.writer.ID,
				"reader": mt.reader.ID,
				"topic":  spec.Topic.String(),
				"err":    err,
			}).Warn("failed to connect matched endpoints")
			m.Unmatch(mt.writer.ID, mt.reader.ID)
			continue
		}

		m.mu.Lock()
		var current = m.pairs[mt.pair] == mt.link
		if current {
			mt.link.closer = closer
		}
		m.mu.Unlock()

		if !current && closer != nil {
			// An endpoint was withdrawn while we were connecting.
			_ = closer.Close()
		}
	}
	return nil
}

// Withdraw an announced endpoint, closing all of its connected pairs.
func (m *Matcher) Withdraw(id pb.EndpointID) error {
	m.mu.Lock()

	var spec, ok = m.endpoints[id]
	if !ok {
		m.mu.Unlock()
		return errors.WithMessagef(pb.ErrNotFound, "endpoint %s", id)
	}
	delete(m.endpoints, id)
	metrics.AnnouncedEndpoints.WithLabelValues(spec.Kind.String()).Dec()

	var ids = m.byTopic[spec.Topic]
	for i := range ids {
		if ids[i] == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.byTopic, spec.Topic)
	} else {
		m.byTopic[spec.Topic] = ids
	}

	var closers []io.Closer
	for pair, l := range m.pairs {
		if pair.Writer != id && pair.Reader != id {
			continue
		}
		delete(m.pairs, pair)
		metrics.MatchedPairs.Dec()

		if l.closer != nil {
			closers = append(closers, l.closer)
		}
	}
	m.mu.Unlock()

	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.WithFields(log.Fields{"id": id, "err": err}).Warn("failed to close session")
		}
	}
	return nil
}

// Unmatch removes a pair whose session closed of its own accord. The pair
// is matched again should either endpoint be re-announced.
func (m *Matcher) Unmatch(writer, reader pb.EndpointID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pair = Pair{Writer: writer, Reader: reader}
	if _, ok := m.pairs[pair]; ok {
		delete(m.pairs, pair)
		metrics.MatchedPairs.Dec()
	}
}

// Matched returns the EndpointSpecs currently matched with endpoint |id|,
// ordered on EndpointID.
func (m *Matcher) Matched(id pb.EndpointID) []pb.EndpointSpec {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []pb.EndpointSpec
	for pair := range m.pairs {
		if pair.Writer == id {
			out = append(out, m.endpoints[pair.Reader])
		} else if pair.Reader == id {
			out = append(out, m.endpoints[pair.Writer])
		}
	}
	sortSpecs(out)
	return out
}

// Lookup returns the announced EndpointSpec of |id|.
func (m *Matcher) Lookup(id pb.EndpointID) (pb.EndpointSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var spec, ok = m.endpoints[id]
	return spec, ok
}

// Endpoints returns all announced EndpointSpecs, ordered on EndpointID.
func (m *Matcher) Endpoints() []pb.EndpointSpec {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = make([]pb.EndpointSpec, 0, len(m.endpoints))
	for _, spec := range m.endpoints {
		out = append(out, spec)
	}
	sortSpecs(out)
	return out
}

func sortSpecs(s []pb.EndpointSpec) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].ID.String() < s[j].ID.String()
	})
}
