// Package participant is the application-facing API of data distribution.
// A Participant owns topics and their writers and readers, matches them
// with one another and with remote endpoints, and connects matched pairs
// with sessions.
package participant

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/dds/discovery"
	"go.gazette.dev/dds/instance"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
	"go.gazette.dev/dds/session"
	"go.gazette.dev/dds/task"
	"go.gazette.dev/dds/typesupport"
)

// Config of a Participant.
type Config struct {
	// Name of the Participant. A random name is generated if empty.
	Name string
	// Locator is the "host:port" at which the Participant accepts sessions
	// from remote writers. It's empty if the Participant doesn't.
	Locator string
	// Auth, if non-nil, signs and verifies session handshake tokens.
	Auth *session.KeyedAuth
	// HandshakeTimeout bounds the handshakes of accepted sessions.
	HandshakeTimeout time.Duration
	// DialTimeout bounds the retries of a failing dial to a remote reader,
	// after which the pair is unmatched.
	DialTimeout time.Duration
}

// Announcer shares local endpoints with remote Participants.
type Announcer interface {
	Announce(ctx context.Context, spec pb.EndpointSpec) error
	Withdraw(ctx context.Context, id pb.EndpointID) error
}

// Participant is a set of topics, writers, and readers which share a type
// Registry and a Matcher.
type Participant struct {
	Name string

	cfg     Config
	types   *typesupport.Registry
	matcher *discovery.Matcher
	tasks   *task.Group

	mu        sync.Mutex
	announcer Announcer
	topics    map[string]*topic
	writers   map[pb.EndpointID]*Writer
	readers   map[pb.EndpointID]*Reader
	closed    bool
}

// topic is the Participant's state of a Topic.
type topic struct {
	pb.Topic
	codec typesupport.Codec
	// Instances of the topic, shared by its writers.
	store *instance.Store
	// Last sequence number assigned by a writer of the topic.
	seq uint64
}

func (t *topic) nextSequence() pb.SequenceNumber {
	return pb.SequenceNumber(atomic.AddUint64(&t.seq, 1))
}

// New returns a new Participant.
func New(cfg Config) (*Participant, error) {
	if cfg.Name == "" {
		cfg.Name = petname.Generate(2, "-")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = qos.Default().HandshakeTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = time.Minute
	}

	if err := pb.ValidateToken(cfg.Name, 1, 256); err != nil {
		return nil, pb.ExtendContext(err, "Name")
	} else if cfg.Locator == "" {
		// Pass.
	} else if _, _, err = net.SplitHostPort(cfg.Locator); err != nil {
		return nil, pb.NewValidationError("invalid Locator (%s): %s", cfg.Locator, err)
	}

	var p = &Participant{
		Name:    cfg.Name,
		cfg:     cfg,
		types:   typesupport.NewRegistry(),
		tasks:   task.NewGroup(context.Background()),
		topics:  make(map[string]*topic),
		writers: make(map[pb.EndpointID]*Writer),
		readers: make(map[pb.EndpointID]*Reader),
	}
	p.matcher = discovery.NewMatcher(connector{p})
	p.tasks.GoRun()

	log.WithFields(log.Fields{"name": p.Name, "locator": cfg.Locator}).
		Info("created participant")
	return p, nil
}

// Matcher returns the Participant's Matcher, which remote endpoints are
// announced to.
func (p *Participant) Matcher() *discovery.Matcher { return p.matcher }

// Types returns the Participant's type Registry.
func (p *Participant) Types() *typesupport.Registry { return p.types }

// SetAnnouncer sets the Announcer of subsequently created endpoints.
func (p *Participant) SetAnnouncer(a Announcer) {
	p.mu.Lock()
	p.announcer = a
	p.mu.Unlock()
}

// RegisterType registers the Codec of |typeName|.
func (p *Participant) RegisterType(typeName string, codec typesupport.Codec) error {
	return p.types.Register(typeName, codec)
}

// CreateTopic creates the Topic |name| of registered type |typeName|.
// CreateTopic is idempotent for identical definitions. It's an error to
// re-create a Topic with a different type.
func (p *Participant) CreateTopic(name, typeName string) (*pb.Topic, error) {
	var t = pb.Topic{Name: name, TypeName: typeName}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var codec, err = p.types.Lookup(typeName)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.topics[name]; ok {
		if cur.TypeName != typeName {
			return nil, errors.WithMessagef(pb.ErrIncompatibleType,
				"topic %q exists with type %q (not %q)", name, cur.TypeName, typeName)
		}
		return &cur.Topic, nil
	}
	var tp = &topic{Topic: t, codec: codec, store: instance.NewWriterStore()}
	p.topics[name] = tp

	return &tp.Topic, nil
}

// CreateWriter creates a Writer of the Topic, which must have been created
// by this Participant.
func (p *Participant) CreateWriter(t *pb.Topic, policy qos.Policy) (*Writer, error) {
	var tp, spec, err = p.newEndpoint(t, policy, pb.EndpointKind_WRITER)
	if err != nil {
		return nil, err
	}
	var w = &Writer{
		p:        p,
		spec:     spec,
		topic:    tp,
		policy:   policy,
		sessions: make(map[pb.EndpointID]*session.Session),
	}
	p.mu.Lock()
	p.writers[spec.ID] = w
	p.mu.Unlock()

	return w, p.announce(spec)
}

// CreateReader creates a Reader of the Topic, which must have been created
// by this Participant.
func (p *Participant) CreateReader(t *pb.Topic, policy qos.Policy) (*Reader, error) {
	var tp, spec, err = p.newEndpoint(t, policy, pb.EndpointKind_READER)
	if err != nil {
		return nil, err
	}
	r, err := newReader(p, tp, spec, policy)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.readers[spec.ID] = r
	p.mu.Unlock()

	return r, p.announce(spec)
}

func (p *Participant) newEndpoint(t *pb.Topic, policy qos.Policy, kind pb.EndpointKind) (*topic, pb.EndpointSpec, error) {
	if err := policy.Validate(); err != nil {
		return nil, pb.EndpointSpec{}, pb.ExtendContext(err, "Policy")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, pb.EndpointSpec{}, errors.New("participant is closed")
	}
	var tp, ok = p.topics[t.Name]
	if !ok || tp.Topic != *t {
		return nil, pb.EndpointSpec{}, errors.WithMessagef(pb.ErrNotFound, "topic %s", t)
	}
	return tp, pb.EndpointSpec{
		ID:          pb.NewEndpointID(),
		Kind:        kind,
		Topic:       tp.Topic,
		TypeVersion: tp.codec.Version(),
		Participant: p.Name,
		Locator:     p.cfg.Locator,
	}, nil
}

func (p *Participant) announce(spec pb.EndpointSpec) error {
	if err := p.matcher.Announce(spec); err != nil {
		return err
	}
	p.mu.Lock()
	var a = p.announcer
	p.mu.Unlock()

	if a != nil {
		if err := a.Announce(context.Background(), spec); err != nil {
			return errors.WithMessage(err, "announcing endpoint")
		}
	}
	return nil
}

func (p *Participant) withdraw(spec pb.EndpointSpec) {
	p.mu.Lock()
	var a = p.announcer
	if spec.Kind == pb.EndpointKind_WRITER {
		delete(p.writers, spec.ID)
	} else {
		delete(p.readers, spec.ID)
	}
	p.mu.Unlock()

	if a != nil {
		if err := a.Withdraw(context.Background(), spec.ID); err != nil {
			log.WithFields(log.Fields{"id": spec.ID, "err": err}).
				Warn("failed to withdraw endpoint announcement")
		}
	}
	if err := p.matcher.Withdraw(spec.ID); err != nil {
		log.WithFields(log.Fields{"id": spec.ID, "err": err}).
			Warn("failed to withdraw endpoint")
	}
}

// Serve accepts sessions of remote writers from |ln| until |ctx| is done
// or |ln| fails.
func (p *Participant) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		var conn, err = ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithMessage(err, "accepting session connection")
		}
		go func() {
			if err := p.HandleConn(conn); err != nil {
				log.WithFields(log.Fields{"remote": conn.RemoteAddr(), "err": err}).
					Warn("failed to accept session")
			}
		}()
	}
}

// HandleConn establishes a session from a remote writer to a local reader
// over |conn|, and returns once the session is established or has failed.
func (p *Participant) HandleConn(conn net.Conn) error {
	var reader *Reader

	var s, err = session.Accept(conn, p.cfg.HandshakeTimeout, func(hs *pb.Frame) (session.ReaderOptions, error) {
		p.mu.Lock()
		reader = p.readers[hs.Reader]
		p.mu.Unlock()

		if reader == nil {
			return session.ReaderOptions{}, errors.WithMessagef(pb.ErrNotFound, "reader %s", hs.Reader)
		}
		return session.ReaderOptions{
			Reader:   reader.spec,
			Policy:   reader.policy,
			Auth:     p.cfg.Auth,
			Sink:     readerSink{reader},
			OnClosed: reader.onSessionClosed,
		}, nil
	})
	if err != nil {
		return err
	}
	reader.attach(s)
	return nil
}

// Sessions returns Stats of all sessions of the Participant's writers and
// readers, ordered on writer and then reader.
func (p *Participant) Sessions() []session.Stats {
	p.mu.Lock()
	var sessions []*session.Session
	for _, w := range p.writers {
		sessions = append(sessions, w.sessionList()...)
	}
	for _, r := range p.readers {
		sessions = append(sessions, r.sessionList()...)
	}
	p.mu.Unlock()

	var out = make([]session.Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Writer != out[j].Writer {
			return out[i].Writer.String() < out[j].Writer.String()
		} else if out[i].Reader != out[j].Reader {
			return out[i].Reader.String() < out[j].Reader.String()
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// Endpoints returns specs of the Participant's writers and readers, ordered
// on ID.
func (p *Participant) Endpoints() []pb.EndpointSpec {
	p.mu.Lock()
	var out = make([]pb.EndpointSpec, 0, len(p.writers)+len(p.readers))
	for _, w := range p.writers {
		out = append(out, w.spec)
	}
	for _, r := range p.readers {
		out = append(out, r.spec)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Close the Participant's writers and readers.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var writers, readers []io.Closer
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()

	// Close writers first, so that their unregistrations reach local readers.
	for _, c := range append(writers, readers...) {
		if err := c.Close(); err != nil {
			log.WithField("err", err).Warn("failed to close endpoint")
		}
	}
	p.tasks.Cancel()
	return p.tasks.Wait()
}

// connector connects matched pairs of the Participant's Matcher.
type connector struct{ p *Participant }

func (c connector) Connect(writer, reader pb.EndpointSpec) (io.Closer, error) {
	c.p.mu.Lock()
	var w = c.p.writers[writer.ID]
	var r = c.p.readers[reader.ID]
	c.p.mu.Unlock()

	switch {
	case w != nil && r != nil:
		// Local pairs are connected in-process.
		var wc, rc = net.Pipe()
		go func() {
			if err := c.p.HandleConn(rc); err != nil {
				log.WithFields(log.Fields{"writer": writer.ID, "reader": reader.ID, "err": err}).
					Warn("failed to accept local session")
			}
		}()
		var s, err = w.dialLocal(wc, reader)
		if err != nil {
			return nil, err
		}
		return s, nil

	case w != nil:
		if reader.Locator == "" {
			return nil, errors.Errorf("remote reader %s has no locator", reader.ID)
		}
		var l = newLink(c.p, w, reader)
		if !c.p.tasks.Go("link "+reader.Locator, l.serve) {
			return nil, errors.New("participant is closed")
		}
		return l, nil

	default:
		// Remote writers dial local readers. Pairs of remote endpoints are
		// connected by their own participants.
		return nil, nil
	}
}
