package mainboilerplate

import (
	"github.com/spf13/afero"
	"go.gazette.dev/dds/qos"
)

// QoSConfig selects the QoS policy of the application's endpoints.
type QoSConfig struct {
	Library string `long:"library" env:"LIBRARY" description:"Path to a YAML QoS profile library. Default policies are used if not set"`
	Profile string `long:"profile" env:"PROFILE" description:"Library::Profile name of the QoS profile to use"`
}

// BuildPolicy loads the configured profile from the Fs, or returns
// qos.Default if no library is configured.
func (c QoSConfig) BuildPolicy(fs afero.Fs) (qos.Policy, error) {
	if c.Library == "" {
		return qos.Default(), nil
	}
	var lib, err = qos.LoadLibrary(fs, c.Library)
	if err != nil {
		return qos.Policy{}, err
	}
	return lib.Profile(c.Profile)
}
