package session

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dialer of session transport connections, with TCP keep-alive.
var Dialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// DialTCP dials |addr|, retrying with exponential backoff until a
// connection is established, |maxElapsed| has elapsed, or |ctx| is done.
func DialTCP(ctx context.Context, addr string, maxElapsed time.Duration) (net.Conn, error) {
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxElapsed

	var conn net.Conn
	var err = backoff.RetryNotify(func() (err error) {
		conn, err = Dialer.DialContext(ctx, "tcp", addr)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		log.WithFields(log.Fields{"addr": addr, "err": err, "retryIn": d}).
			Debug("failed to dial session transport (will retry)")
	})

	if err != nil {
		return nil, errors.WithMessagef(err, "dialing %s", addr)
	}
	return conn, nil
}

// KeepAliveListener sets TCP keep-alive timeouts on accepted connections,
// so that connections of vanished peers are eventually reaped.
type KeepAliveListener struct {
	*net.TCPListener
}

// Accept the next connection.
func (ln KeepAliveListener) Accept() (net.Conn, error) {
	var tc, err = ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
