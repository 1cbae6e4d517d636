package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/dds/examples/helloworld"
	"go.gazette.dev/dds/participant"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
	"go.gazette.dev/dds/task"
)

func TestServeSessionsAndIntrospection(t *testing.T) {
	var srv, err = New("127.0.0.1", 0)
	require.NoError(t, err)

	var sub, subTopic = newHelloWorld(t, participant.Config{Locator: srv.Addr()})
	var pub, pubTopic = newHelloWorld(t, participant.Config{})

	RegisterIntrospectionServer(srv.GRPCServer, Introspection{Participant: sub})

	var tg = task.NewGroup(context.Background())
	srv.QueueTasks(tg, sub)
	tg.GoRun()

	r, err := sub.CreateReader(subTopic, qos.Default())
	require.NoError(t, err)
	w, err := pub.CreateWriter(pubTopic, qos.Default())
	require.NoError(t, err)

	require.NoError(t, pub.Matcher().Announce(r.Spec()))
	require.NoError(t, sub.Matcher().Announce(w.Spec()))

	// The writer's session is multiplexed to the participant by its magic word.
	require.Eventually(t, func() bool { return r.Stats().Sessions == 1 }, time.Second*5, time.Millisecond)
	require.NoError(t, w.Write(helloworld.HelloWorld{Msg: "message data 0"}))
	require.Eventually(t, func() bool { return r.Stats().Received == 1 }, time.Second*5, time.Millisecond)

	var client = NewIntrospectionClient(srv.MustGRPCLoopback())
	var ctx = context.Background()

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "reader", sessions[0].Role)
	require.Equal(t, "ESTABLISHED", sessions[0].State)
	require.Equal(t, w.ID(), sessions[0].Writer)
	require.Equal(t, r.ID(), sessions[0].Reader)
	require.Equal(t, *subTopic, sessions[0].Topic)
	require.Equal(t, uint64(1), sessions[0].Sequence)
	require.Empty(t, sessions[0].Err)

	endpoints, err := client.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []pb.EndpointSpec{r.Spec()}, endpoints)

	// HTTP/1 requests are multiplexed to HTTPMux.
	resp, err := http.Get("http://" + srv.Addr() + "/not/registered")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	require.NoError(t, pub.Close())
	require.Eventually(t, func() bool { return r.Stats().Sessions == 0 }, time.Second*5, time.Millisecond)

	tg.Cancel()
	require.NoError(t, tg.Wait())
	require.NoError(t, sub.Close())
}

func newHelloWorld(t *testing.T, cfg participant.Config) (*participant.Participant, *pb.Topic) {
	var p, err = participant.New(cfg)
	require.NoError(t, err)
	require.NoError(t, helloworld.Register(p.Types()))

	topic, err := p.CreateTopic(helloworld.TopicName, helloworld.TypeName)
	require.NoError(t, err)
	return p, topic
}
