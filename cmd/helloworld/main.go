package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/dds/discovery"
	"go.gazette.dev/dds/examples/helloworld"
	"go.gazette.dev/dds/examples/patientmonitoring"
	mbp "go.gazette.dev/dds/mainboilerplate"
	"go.gazette.dev/dds/participant"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
	"go.gazette.dev/dds/server"
	"go.gazette.dev/dds/session"
	"go.gazette.dev/dds/task"
)

const iniFilename = "helloworld.ini"

// Config is the top-level configuration object of helloworld.
var Config = new(struct {
	Participant mbp.ServiceConfig `group:"Participant" namespace:"participant" env-namespace:"PARTICIPANT"`
	QoS         mbp.QoSConfig     `group:"QoS" namespace:"qos" env-namespace:"QOS"`
	Etcd        mbp.EtcdConfig    `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Peer struct {
		Address  string        `long:"address" env:"ADDRESS" description:"host:port of a static peer participant, whose endpoints are polled. Disabled if empty"`
		Interval time.Duration `long:"interval" env:"INTERVAL" default:"1s" description:"Interval between polls of the peer's endpoints"`
	} `group:"Peer" namespace:"peer" env-namespace:"PEER"`

	Auth struct {
		Keys string        `long:"keys" env:"KEYS" description:"Whitespace or comma separated, base64-encoded keys which sign and verify session handshakes. Sessions are unauthenticated if empty"`
		TTL  time.Duration `long:"ttl" env:"TTL" default:"1m" description:"Time-to-live of signed handshake tokens"`
	} `group:"Auth" namespace:"auth" env-namespace:"AUTH"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdPublish struct {
	Count  int           `long:"count" default:"0" description:"Number of samples to publish before exiting. Unlimited if zero"`
	Period time.Duration `long:"period" default:"1s" description:"Period between published samples"`
}

func (cmd cmdPublish) Execute([]string) error {
	defer Config.Diagnostics.Recover()()
	var app = startApp()

	var w, err = app.p.CreateWriter(app.topic, app.policy)
	mbp.Must(err, "failed to create writer")

	app.tasks.Queue("publish", func() error {
		defer app.tasks.Cancel()

		var ticker = time.NewTicker(cmd.Period)
		defer ticker.Stop()

		for n := 0; cmd.Count == 0 || n < cmd.Count; n++ {
			select {
			case <-ticker.C:
			case <-app.tasks.Context().Done():
				return nil
			}
			var msg = helloworld.HelloWorld{Msg: fmt.Sprintf("message data %d", n)}

			if err := w.Write(msg); errors.Cause(err) == pb.ErrNotMatched {
				log.WithField("msg", msg.Msg).Info("no matched readers")
			} else if err != nil {
				return errors.WithMessage(err, "writing sample")
			} else {
				log.WithField("msg", msg.Msg).Info("wrote sample")
			}
		}
		return w.Close()
	})
	return app.run()
}

type cmdSubscribe struct {
	Count int           `long:"count" default:"0" description:"Number of samples to receive before exiting. Unlimited if zero"`
	Poll  time.Duration `long:"poll" default:"100ms" description:"Interval between polls of the reader's queue"`
}

func (cmd cmdSubscribe) Execute([]string) error {
	defer Config.Diagnostics.Recover()()
	var app = startApp()

	var r, err = app.p.CreateReader(app.topic, app.policy)
	mbp.Must(err, "failed to create reader")

	app.tasks.Queue("subscribe", func() error {
		defer app.tasks.Cancel()

		var ticker = time.NewTicker(cmd.Poll)
		defer ticker.Stop()

		for n := 0; cmd.Count == 0 || n < cmd.Count; {
			select {
			case <-ticker.C:
			case <-app.tasks.Context().Done():
				return nil
			}
			for {
				var s, err = r.TakeNextSample()
				if errors.Cause(err) == pb.ErrNoData {
					break
				} else if err != nil {
					return errors.WithMessage(err, "taking sample")
				}

				if s.Info.ValidData {
					fmt.Printf("Received: %s\n", s.Value.(helloworld.HelloWorld).Msg)
					n++
				} else {
					fmt.Printf("Instance %s\n", s.Info.InstanceState)
				}
			}
		}
		return r.Close()
	})
	return app.run()
}

type cmdMonitor struct {
	Patients int           `long:"patients" default:"3" description:"Number of monitored patients"`
	Count    int           `long:"count" default:"0" description:"Number of samples to publish before discharging all patients and exiting. Unlimited if zero"`
	Period   time.Duration `long:"period" default:"1s" description:"Period between published samples"`
}

var conditions = []string{"stable", "improving", "deteriorating", "critical"}

func (cmd cmdMonitor) Execute([]string) error {
	defer Config.Diagnostics.Recover()()
	if cmd.Patients <= 0 {
		return errors.Errorf("invalid --patients (%d; expected > 0)", cmd.Patients)
	}
	var app = startApp()

	var topic, err = app.p.CreateTopic(patientmonitoring.TopicName, patientmonitoring.TypeName)
	mbp.Must(err, "failed to create topic")
	w, err := app.p.CreateWriter(topic, app.policy)
	mbp.Must(err, "failed to create writer")

	app.tasks.Queue("monitor", func() error {
		defer app.tasks.Cancel()

		var ticker = time.NewTicker(cmd.Period)
		defer ticker.Stop()

		for n := 0; cmd.Count == 0 || n < cmd.Count; n++ {
			select {
			case <-ticker.C:
			case <-app.tasks.Context().Done():
				return nil
			}
			var v = patientmonitoring.PatientMonitoring{
				PatientID:        fmt.Sprintf("patient-%d", n%cmd.Patients),
				PatientCondition: conditions[(n/cmd.Patients)%len(conditions)],
			}
			if err := w.Write(v); errors.Cause(err) == pb.ErrNotMatched {
				log.WithField("patient", v.PatientID).Info("no matched readers")
			} else if err != nil {
				return errors.WithMessage(err, "writing sample")
			} else {
				log.WithFields(log.Fields{"patient": v.PatientID, "condition": v.PatientCondition}).
					Info("wrote sample")
			}
		}
		for i := 0; i != cmd.Patients; i++ {
			var v = patientmonitoring.PatientMonitoring{PatientID: fmt.Sprintf("patient-%d", i)}
			if err := w.Dispose(v); err != nil {
				log.WithFields(log.Fields{"patient": v.PatientID, "err": err}).Info("failed to discharge patient")
			}
		}
		return w.Close()
	})
	return app.run()
}

type app struct {
	p      *participant.Participant
	topic  *pb.Topic
	policy qos.Policy
	srv    *server.Server
	tasks  *task.Group
}

// startApp builds the Participant and its Server, and queues server and
// discovery tasks.
func startApp() *app {
	mbp.InitLog(Config.Log)

	var policy, err = Config.QoS.BuildPolicy(afero.NewOsFs())
	mbp.Must(err, "failed to build QoS policy")

	var auth *session.KeyedAuth
	if Config.Auth.Keys != "" {
		auth, err = session.NewKeyedAuth(Config.Auth.Keys, Config.Auth.TTL)
		mbp.Must(err, "failed to build session auth")
	}

	var srv = Config.Participant.MustBuildServer()
	p, err := participant.New(participant.Config{
		Name:    Config.Participant.Name,
		Locator: Config.Participant.Locator(srv),
		Auth:    auth,
	})
	mbp.Must(err, "failed to create participant")
	mbp.Must(helloworld.Register(p.Types()), "failed to register type")
	mbp.Must(patientmonitoring.Register(p.Types()), "failed to register type")

	topic, err := p.CreateTopic(helloworld.TopicName, helloworld.TypeName)
	mbp.Must(err, "failed to create topic")

	server.RegisterIntrospectionServer(srv.GRPCServer, server.Introspection{Participant: p})

	var tasks = task.NewGroup(context.Background())
	srv.QueueTasks(tasks, p)
	mbp.InitDiagnostics(Config.Diagnostics, srv.HTTPMux, func() error {
		return tasks.Context().Err()
	})

	if Config.Etcd.Address != "" {
		var announcer = Config.Etcd.MustAnnouncer(p.Matcher())
		p.SetAnnouncer(announcer)

		tasks.Queue("announcer.Watch", func() error {
			defer announcer.Close()

			if err := announcer.Watch(tasks.Context()); err != context.Canceled {
				return err
			}
			return nil
		})
	}
	if Config.Peer.Address != "" {
		var client = (&mbp.AddressConfig{Address: Config.Peer.Address}).MustIntrospectionClient()
		var watcher = &discovery.PeerWatcher{
			Fetch: func(ctx context.Context) ([]pb.EndpointSpec, error) {
				return client.ListEndpoints(ctx)
			},
			Participant: p.Name,
			Matcher:     p.Matcher(),
			Interval:    Config.Peer.Interval,
		}
		tasks.Queue("peer.Watch", func() error { return watcher.Watch(tasks.Context()) })
	}

	log.WithFields(log.Fields{
		"participant": p.Name,
		"addr":        srv.Addr(),
		"topic":       topic.String(),
	}).Info("started participant")

	return &app{p: p, topic: topic, policy: policy, srv: srv, tasks: tasks}
}

// run the app's tasks until they complete or a signal is received.
func (a *app) run() error {
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	a.tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			a.tasks.Cancel()
		case <-a.tasks.Context().Done():
		}
		return nil
	})
	a.tasks.GoRun()

	mbp.Must(a.tasks.Wait(), "task failed")
	mbp.Must(a.p.Close(), "failed to close participant")
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("publish", "Publish HelloWorld samples", `
Publish "message data N" samples of the Example HelloWorld topic every period,
to readers discovered through Etcd or a static peer.
`, &cmdPublish{})

	_, _ = parser.AddCommand("subscribe", "Subscribe to HelloWorld samples", `
Subscribe to the Example HelloWorld topic, and print received samples.
`, &cmdSubscribe{})

	_, _ = parser.AddCommand("monitor", "Publish PatientMonitoring samples", `
Publish the condition of each monitored patient in turn to the Example
PatientMonitoring topic. Each patient is a distinct instance, which is
disposed when the patient is discharged on exit.
`, &cmdMonitor{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
