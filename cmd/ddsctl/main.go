package main

import (
	"context"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	mbp "go.gazette.dev/dds/mainboilerplate"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/server"
)

const iniFilename = "ddsctl.ini"

// Config is the top-level configuration object of ddsctl.
var Config = new(struct {
	Participant mbp.AddressConfig `group:"Participant" namespace:"participant" env-namespace:"PARTICIPANT"`
	Log         mbp.LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdSessions struct{}

func (cmdSessions) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var sessions, err = Config.Participant.MustIntrospectionClient().ListSessions(context.Background())
	mbp.Must(err, "failed to list sessions")

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Writer", "Reader", "Role", "State", "Topic", "Compression",
		"Sent", "Received", "Retransmits", "Lost", "Pending", "Sequence", "Acked", "Error"})

	for _, s := range sessions {
		table.Append(sessionRow(s))
	}
	table.Render()
	return nil
}

type cmdEndpoints struct{}

func (cmdEndpoints) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var endpoints, err = Config.Participant.MustIntrospectionClient().ListEndpoints(context.Background())
	mbp.Must(err, "failed to list endpoints")

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Kind", "Topic", "Type Version", "Participant", "Locator"})

	for _, spec := range endpoints {
		table.Append(endpointRow(spec))
	}
	table.Render()
	return nil
}

func sessionRow(s server.SessionStatus) []string {
	return []string{
		s.Writer.String(),
		s.Reader.String(),
		s.Role,
		s.State,
		s.Topic.String(),
		s.Compression,
		humanize.IBytes(s.BytesSent),
		humanize.IBytes(s.BytesReceived),
		humanize.Comma(int64(s.Retransmits)),
		humanize.Comma(int64(s.Lost)),
		strconv.Itoa(s.Pending),
		strconv.FormatUint(s.Sequence, 10),
		strconv.FormatUint(s.Acked, 10),
		s.Err,
	}
}

func endpointRow(spec pb.EndpointSpec) []string {
	return []string{
		spec.ID.String(),
		spec.Kind.String(),
		spec.Topic.String(),
		strconv.FormatUint(uint64(spec.TypeVersion), 10),
		spec.Participant,
		spec.Locator,
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("sessions", "List sessions of a participant", `
List the sessions of a running participant's writers and readers, and
their delivery statistics.
`, &cmdSessions{})

	_, _ = parser.AddCommand("endpoints", "List endpoints of a participant", `
List the writers and readers of a running participant.
`, &cmdEndpoints{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
