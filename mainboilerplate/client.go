package mainboilerplate

import (
	"go.gazette.dev/dds/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// AddressConfig of a remote participant service.
type AddressConfig struct {
	Address string `long:"address" env:"ADDRESS" default:"localhost:8080" description:"Participant service host:port"`
}

// MustDial the service address.
func (c *AddressConfig) MustDial() *grpc.ClientConn {
	var cc, err = grpc.NewClient(c.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	Must(err, "failed to dial remote service", "address", c.Address)
	return cc
}

// MustIntrospectionClient dials and returns a new IntrospectionClient.
func (c *AddressConfig) MustIntrospectionClient() server.IntrospectionClient {
	return server.NewIntrospectionClient(c.MustDial())
}
