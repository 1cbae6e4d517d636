// Package etcdtest provides test support for obtaining a client to an Etcd
// server, which is launched from an `etcd` binary on the $PATH.
package etcdtest

import (
	"context"
	"log"
	"os"
	"os/exec"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// TestClient returns a client of the Etcd test server, or nil if no `etcd`
// binary is available. It asserts that the Etcd keyspace is empty before
// returning: in other words, that the prior test cleaned up after itself.
func TestClient() *clientv3.Client {
	if _etcdClient == nil {
		return nil
	}
	var resp, err = _etcdClient.Get(context.Background(), "", clientv3.WithPrefix(), clientv3.WithLimit(5))
	if err != nil {
		log.Fatal(err)
	} else if len(resp.Kvs) != 0 {
		log.Fatalf("etcd not empty; did a previous test not clean up?\n%+v", resp)
	}
	return _etcdClient
}

// RequireClient returns TestClient, or skips the test if Etcd is unavailable.
// Cleanup is registered to run at the test's completion.
func RequireClient(t testing.TB) *clientv3.Client {
	var client = TestClient()
	if client == nil {
		t.Skip("etcd binary not found on $PATH")
	}
	t.Cleanup(Cleanup)
	return client
}

// Cleanup removes remaining key/value fixtures from the Etcd store.
func Cleanup() {
	if _, err := _etcdClient.Delete(context.Background(), "", clientv3.WithPrefix()); err != nil {
		log.Fatal(err)
	}
}

var _etcdClient *clientv3.Client

// TestMainWithEtcd is to be called by packages which require an Etcd
// server, before their tests run:
//
//	func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
//
// If an `etcd` binary isn't found, tests are run without one.
func TestMainWithEtcd(m *testing.M) {
	if _, err := exec.LookPath("etcd"); err != nil {
		log.Println("etcd binary not found; skipping etcd-backed tests")
		os.Exit(m.Run())
	}

	var cmd = exec.Command("etcd",
		"--listen-peer-urls", "unix://peer.sock:0",
		"--listen-client-urls", "unix://client.sock:0",
		"--advertise-client-urls", "unix://client.sock:0",
	)
	// Use the environment form of --log-level, which older binaries accept.
	cmd.Env = append(cmd.Env, "ETCD_LOG_LEVEL=error", "ETCD_LOGGER=zap")
	cmd.Env = append(cmd.Env, os.Environ()...)
	cmd.SysProcAttr = getSysProcAttr()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	var err error
	if cmd.Dir, err = os.MkdirTemp("", "etcdtest"); err != nil {
		log.Fatal(err)
	}
	log.Println("starting etcd: ", cmd.Args)

	if err = cmd.Start(); err != nil {
		log.Fatal(err)
	}

	os.Exit(func() int {
		defer func() {
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				log.Fatal("failed to signal etcd: ", err)
			}
			_ = cmd.Wait()

			if err := os.RemoveAll(cmd.Dir); err != nil {
				log.Fatalf("failed to remove etcd tmp directory %v: %v", cmd.Dir, err)
			}
		}()

		var ep = "unix://" + cmd.Dir + "/client.sock:0"
		if _etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{ep},
			DialTimeout: 5 * time.Second,
		}); err != nil {
			log.Fatal(err)
		}
		_ = TestClient() // Verify the client works.

		return m.Run()
	}())
}
