package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/server"
	"go.gazette.dev/dds/session"
)

func TestSessionRow(t *testing.T) {
	var w, r = pb.NewEndpointID(), pb.NewEndpointID()
	var status = server.NewSessionStatus(session.Stats{
		Role:          session.WriterRole,
		State:         session.Degraded,
		Writer:        w,
		Reader:        r,
		Topic:         pb.Topic{Name: "Example HelloWorld", TypeName: "HelloWorld"},
		BytesSent:     2048,
		BytesReceived: 12,
		Retransmits:   1234,
		Pending:       3,
		Sequence:      10,
		Acked:         7,
		Err:           errors.New("timeout"),
	})

	require.Equal(t, []string{
		w.String(), r.String(), "writer", "DEGRADED", "Example HelloWorld<HelloWorld>", "none",
		"2.0 KiB", "12 B", "1,234", "0", "3", "10", "7", "timeout",
	}, sessionRow(status))
}
