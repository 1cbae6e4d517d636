package qos

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.gazette.dev/dds/protocol"
	"gopkg.in/yaml.v2"
)

// Library is a collection of named Policy profiles, grouped into named
// libraries and loaded from YAML of the form:
//
//	libraries:
//	  HelloWorld_Library:
//	    profiles:
//	      Base_Profile:
//	        heartbeat: 50ms
//	      HelloWorldPub_Profile:
//	        base: Base_Profile
//	        compression: snappy
//
// Profiles are addressed as "Library::Profile". A profile may name a base
// profile (of the same library, or qualified with another library) from
// which it inherits fields it doesn't itself set. Unset fields of the root
// of an inheritance chain take their values from Default.
type Library struct {
	profiles map[string]yaml.MapSlice
}

type libraryDoc struct {
	Libraries map[string]struct {
		Profiles map[string]yaml.MapSlice `yaml:"profiles"`
	} `yaml:"libraries"`
}

type profileDoc struct {
	Base   string `yaml:"base,omitempty"`
	Policy `yaml:",inline"`
}

// LoadLibrary reads and parses the YAML Library at |path| of the Fs.
func LoadLibrary(fs afero.Fs, path string) (*Library, error) {
	var b, err = afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading QoS library %s", path)
	}
	lib, err := ParseLibrary(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing QoS library %s", path)
	}
	return lib, nil
}

// ParseLibrary parses a YAML Library. Each profile is resolved and validated.
func ParseLibrary(b []byte) (*Library, error) {
	var doc libraryDoc
	if err := yaml.UnmarshalStrict(b, &doc); err != nil {
		return nil, err
	}
	var lib = &Library{profiles: make(map[string]yaml.MapSlice)}

	for libName, l := range doc.Libraries {
		if err := protocol.ValidateToken(libName, 1, 256); err != nil {
			return nil, protocol.ExtendContext(err, "library %q", libName)
		}
		for profName, p := range l.Profiles {
			lib.profiles[libName+"::"+profName] = p
		}
	}
	for _, name := range lib.Names() {
		if _, err := lib.Profile(name); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// Names returns the sorted, qualified names of profiles of the Library.
func (l *Library) Names() []string {
	var out = make([]string, 0, len(l.profiles))
	for name := range l.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Profile returns the resolved Policy of the qualified profile |name|.
func (l *Library) Profile(name string) (Policy, error) {
	var policy = Default()

	if err := l.apply(&policy, name, nil); err != nil {
		return Policy{}, err
	} else if err = policy.Validate(); err != nil {
		return Policy{}, protocol.ExtendContext(err, "profile %q", name)
	}
	return policy, nil
}

func (l *Library) apply(policy *Policy, name string, chain []string) error {
	for _, n := range chain {
		if n == name {
			return errors.Errorf("profile %q has a cyclic base (%s)", name, strings.Join(chain, " -> "))
		}
	}
	var ms, ok = l.profiles[name]
	if !ok {
		return errors.WithMessagef(protocol.ErrNotFound, "QoS profile %q", name)
	}
	b, err := yaml.Marshal(ms)
	if err != nil {
		return err
	}

	// Decode once to discover a base, which is applied first.
	var doc profileDoc
	if err = yaml.UnmarshalStrict(b, &doc); err != nil {
		return errors.WithMessagef(err, "profile %q", name)
	}
	if doc.Base != "" {
		var base = doc.Base
		if !strings.Contains(base, "::") {
			base = name[:strings.Index(name, "::")] + "::" + base
		}
		if err = l.apply(policy, base, append(chain, name)); err != nil {
			return err
		}
	}
	// Overlay fields of this profile onto the (possibly inherited) Policy.
	doc = profileDoc{Policy: *policy}
	if err = yaml.UnmarshalStrict(b, &doc); err != nil {
		return errors.WithMessagef(err, "profile %q", name)
	}
	*policy = doc.Policy
	return nil
}
