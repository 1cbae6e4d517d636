package discovery

import (
	"context"
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	pb "go.gazette.dev/dds/protocol"
)

// EtcdAnnouncer shares endpoints among participants through Etcd. Local
// endpoints are announced as keys
//
//	<prefix>/endpoints/<escaped topic name>/<endpoint id>
//
// having JSON-encoded EndpointSpec values and bound to the announcer's
// lease, so that keys of failed participants are removed upon lease
// expiry. Watch mirrors the keys of remote endpoints into a Matcher.
type EtcdAnnouncer struct {
	prefix  string
	etcd    *clientv3.Client
	lease   *concurrency.Session
	matcher *Matcher

	mu    sync.Mutex
	local map[pb.EndpointID]string // Local endpoints and their keys.
}

// NewEtcdAnnouncer returns an EtcdAnnouncer having a new lease of |leaseTTL|,
// which mirrors remote endpoints into |matcher|.
func NewEtcdAnnouncer(etcd *clientv3.Client, prefix string, leaseTTL time.Duration, matcher *Matcher) (*EtcdAnnouncer, error) {
	if c := path.Clean(prefix); c != prefix || !strings.HasPrefix(prefix, "/") {
		return nil, errors.Errorf("expected prefix to be a clean, absolute path (%s)", prefix)
	}
	var lease, err = concurrency.NewSession(etcd, concurrency.WithTTL(int(leaseTTL.Seconds())))
	if err != nil {
		return nil, errors.WithMessage(err, "establishing Etcd lease")
	}
	return &EtcdAnnouncer{
		prefix:  prefix,
		etcd:    etcd,
		lease:   lease,
		matcher: matcher,
		local:   make(map[pb.EndpointID]string),
	}, nil
}

// EndpointKey returns the Etcd key of the EndpointSpec.
func EndpointKey(prefix string, spec pb.EndpointSpec) string {
	return path.Join(prefix, "endpoints", url.PathEscape(spec.Topic.Name), spec.ID.String())
}

// Announce the local endpoint |spec|. It's an error if the endpoint's key
// exists under another lease.
func (a *EtcdAnnouncer) Announce(ctx context.Context, spec pb.EndpointSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	var key = EndpointKey(a.prefix, spec)
	var value, err = json.Marshal(spec)
	if err != nil {
		return err
	}
	var lease = a.lease.Lease()

	resp, err := a.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(lease))).
		Else(clientv3.OpGet(key)).
		Commit()

	if err != nil {
		return errors.WithMessagef(err, "announcing %s", key)
	} else if !resp.Succeeded {
		var kv = resp.Responses[0].GetResponseRange().Kvs[0]
		if clientv3.LeaseID(kv.Lease) != lease {
			return errors.Errorf("key %s exists under another lease", key)
		}
	}

	a.mu.Lock()
	a.local[spec.ID] = key
	a.mu.Unlock()

	log.WithFields(log.Fields{"key": key, "revision": resp.Header.Revision}).
		Debug("announced endpoint to etcd")
	return nil
}

// Withdraw the local endpoint |id|, deleting its key.
func (a *EtcdAnnouncer) Withdraw(ctx context.Context, id pb.EndpointID) error {
	a.mu.Lock()
	var key, ok = a.local[id]
	delete(a.local, id)
	a.mu.Unlock()

	if !ok {
		return errors.WithMessagef(pb.ErrNotFound, "endpoint %s", id)
	}
	var _, err = a.etcd.Delete(ctx, key)
	return errors.WithMessagef(err, "withdrawing %s", key)
}

// Watch loads announced endpoints and mirrors them, and their subsequent
// changes, into the Matcher until |ctx| is done or an unrecoverable error
// occurs. Keys of local endpoints are ignored.
func (a *EtcdAnnouncer) Watch(ctx context.Context) error {
	var root = path.Join(a.prefix, "endpoints") + "/"

	var resp, err = a.etcd.Get(ctx, root, clientv3.WithPrefix())
	if err != nil {
		return errors.WithMessage(err, "loading endpoints")
	}
	for _, kv := range resp.Kvs {
		a.onPut(kv)
	}
	var nextRevision = resp.Header.Revision + 1

	var bo = backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	var watchCh clientv3.WatchChan

	for {
		if watchCh == nil {
			// With "require leader", a watched Etcd member which is partitioned
			// from its majority aborts our watch rather than stalling it, and
			// we retry against another member. Progress notifications keep the
			// watched revision from being compacted away.
			watchCh = a.etcd.Watch(clientv3.WithRequireLeader(ctx), root,
				clientv3.WithPrefix(),
				clientv3.WithProgressNotify(),
				clientv3.WithRev(nextRevision),
			)
		}

		var wr, ok = <-watchCh
		if !ok {
			return ctx.Err() // Watch contract implies the context is cancelled.
		} else if err := wr.Err(); err == rpctypes.ErrNoLeader {
			watchCh = nil
			var delay = bo.NextBackOff()

			log.WithFields(log.Fields{"err": err, "delay": delay}).
				Warn("endpoints watch failed (will retry)")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		} else if err != nil && ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			return errors.WithMessage(err, "watching endpoints")
		}
		bo.Reset()

		for _, ev := range wr.Events {
			switch ev.Type {
			case mvccpb.PUT:
				a.onPut(ev.Kv)
			case mvccpb.DELETE:
				a.onDelete(ev.Kv)
			}
		}
		nextRevision = wr.Header.Revision + 1
	}
}

// Close withdraws local endpoints from Etcd by revoking the announcer's
// lease. Local endpoints remain announced to the Matcher.
func (a *EtcdAnnouncer) Close() error { return a.lease.Close() }

func (a *EtcdAnnouncer) isLocal(id pb.EndpointID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	var _, ok = a.local[id]
	return ok
}

func (a *EtcdAnnouncer) onPut(kv *mvccpb.KeyValue) {
	var spec pb.EndpointSpec

	if err := json.Unmarshal(kv.Value, &spec); err != nil {
		log.WithFields(log.Fields{"key": string(kv.Key), "err": err}).
			Error("failed to decode announced endpoint")
		return
	} else if a.isLocal(spec.ID) {
		return
	}

	if cur, ok := a.matcher.Lookup(spec.ID); ok && cur != spec {
		// The endpoint was re-announced with a new spec (eg, a changed
		// locator). Replace it.
		_ = a.matcher.Withdraw(spec.ID)
	}
	if err := a.matcher.Announce(spec); err != nil {
		log.WithFields(log.Fields{"key": string(kv.Key), "err": err}).
			Error("failed to announce remote endpoint")
	}
}

func (a *EtcdAnnouncer) onDelete(kv *mvccpb.KeyValue) {
	var id, err = pb.ParseEndpointID(path.Base(string(kv.Key)))
	if err != nil {
		log.WithFields(log.Fields{"key": string(kv.Key), "err": err}).
			Error("failed to parse withdrawn endpoint key")
		return
	} else if a.isLocal(id) {
		return
	}
	if err = a.matcher.Withdraw(id); err != nil && errors.Cause(err) != pb.ErrNotFound {
		log.WithFields(log.Fields{"id": id, "err": err}).Warn("failed to withdraw remote endpoint")
	}
}
