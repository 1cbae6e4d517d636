package mainboilerplate

import (
	"context"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/dds/discovery"
	"google.golang.org/grpc"
)

// EtcdConfig configures the application Etcd session.
type EtcdConfig struct {
	Address  string        `long:"address" env:"ADDRESS" default:"" description:"Etcd service address endpoint. Etcd discovery is disabled if empty"`
	Prefix   string        `long:"prefix" env:"PREFIX" default:"/dds" description:"Etcd key prefix of announced endpoints"`
	LeaseTTL time.Duration `long:"lease" env:"LEASE_TTL" default:"20s" description:"Time-to-live of Etcd lease"`
}

// MustDial builds an Etcd client connection.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var addr, err = url.Parse(c.Address)
	Must(err, "failed to parse Etcd address", "address", c.Address)

	if addr.Scheme == "unix" {
		// The Etcd client requires hostname is stripped from unix:// URLs.
		addr.Host = ""
	}

	// Use a blocking dial to build a trial connection to Etcd. If we're actively
	// partitioned or mis-configured there's nothing actionable to do anyway
	// aside from wait (or be SIGTERM'd).
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", addr.String()).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	trialEtcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr.String()},
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
	})
	Must(err, "failed to build trial Etcd client")

	_ = trialEtcd.Close()
	timer.Stop()

	// Build our actual |etcd| connection, with much tighter timeout bounds.
	etcd, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr.String()},
		// Automatically and periodically sync the set of Etcd servers.
		AutoSyncInterval: time.Minute,
		// Use aggressive timeouts to quickly cycle through member endpoints,
		// prior to our lease TTL expiring.
		DialTimeout:          c.LeaseTTL / 20,
		DialKeepAliveTime:    c.LeaseTTL / 4,
		DialKeepAliveTimeout: c.LeaseTTL / 4,
		RejectOldCluster:     true,
	})
	Must(err, "failed to build Etcd client")

	Must(etcd.Sync(context.Background()), "initial Etcd endpoint sync failed")
	return etcd
}

// MustAnnouncer dials Etcd and returns an EtcdAnnouncer of the Matcher.
func (c *EtcdConfig) MustAnnouncer(matcher *discovery.Matcher) *discovery.EtcdAnnouncer {
	var a, err = discovery.NewEtcdAnnouncer(c.MustDial(), c.Prefix, c.LeaseTTL, matcher)
	Must(err, "failed to build Etcd announcer")
	return a
}
