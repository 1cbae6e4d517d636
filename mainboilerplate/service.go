package mainboilerplate

import (
	"net"
	"os"
	"strconv"

	"go.gazette.dev/dds/server"
)

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	Name string `long:"name" env:"NAME" description:"Participant name of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Port uint16 `long:"port" env:"PORT" description:"Service port for sessions, HTTP and gRPC requests. A random port is used if not set"`
}

// MustBuildServer binds a Server to the configured Port of all interfaces.
func (cfg ServiceConfig) MustBuildServer() *server.Server {
	var srv, err = server.New("", cfg.Port)
	Must(err, "building Server")
	return srv
}

// Locator is the advertised "host:port" of the bound Server.
func (cfg ServiceConfig) Locator(srv *server.Server) string {
	var err error
	if cfg.Host == "" {
		cfg.Host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
	var port = srv.RawListener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}
