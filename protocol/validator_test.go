package protocol

import (
	"errors"

	gc "gopkg.in/check.v1"
)

type ValidationSuite struct{}

func (s *ValidationSuite) TestErrorContexts(c *gc.C) {
	var err = NewValidationError("the %s error", "inner")
	c.Check(err, gc.ErrorMatches, "the inner error")

	c.Check(ExtendContext(err, "Field[%d]", 3), gc.ErrorMatches, `Field\[3\]: the inner error`)
	c.Check(ExtendContext(err, "Outer"), gc.ErrorMatches, `Outer.Field\[3\]: the inner error`)

	// Non-ValidationErrors pass through unmodified.
	var other = errors.New("other")
	c.Check(ExtendContext(other, "Outer"), gc.Equals, other)
}

func (s *ValidationSuite) TestTopicValidationCases(c *gc.C) {
	var cases = []struct {
		t      Topic
		expect string
	}{
		{Topic{Name: "Example HelloWorld", TypeName: "HelloWorld"}, ""}, // Success.
		{Topic{Name: "a/b.c-d_e", TypeName: "scoped::Type"}, ""},
		{Topic{Name: "", TypeName: "HelloWorld"}, `Name: invalid length \(0; expected 1 <= .*`},
		{Topic{Name: "bad#name", TypeName: "HelloWorld"}, `Name: not a valid token \(bad#name\)`},
		{Topic{Name: "ok", TypeName: ""}, `TypeName: invalid length \(0; .*`},
	}
	for _, tc := range cases {
		if tc.expect == "" {
			c.Check(tc.t.Validate(), gc.IsNil)
		} else {
			c.Check(tc.t.Validate(), gc.ErrorMatches, tc.expect)
		}
	}
}

func (s *ValidationSuite) TestEndpointSpecValidationCases(c *gc.C) {
	var spec = EndpointSpec{
		Kind:        EndpointKind_READER,
		Topic:       Topic{Name: "a-topic", TypeName: "a-type"},
		TypeVersion: 1,
		Participant: "a-participant",
		Locator:     "bad-locator",
	}
	c.Check(spec.Validate(), gc.ErrorMatches, `expected ID`)
	spec.ID = NewEndpointID()
	c.Check(spec.Validate(), gc.ErrorMatches, `invalid Locator \(bad-locator\): .*`)
	spec.Locator = "localhost:7400"
	c.Check(spec.Validate(), gc.IsNil)

	spec.Participant = ""
	c.Check(spec.Validate(), gc.ErrorMatches, `Participant: invalid length .*`)
	spec.Participant = "a-participant"
	spec.Topic.Name = "$$"
	c.Check(spec.Validate(), gc.ErrorMatches, `Topic.Name: not a valid token \(\$\$\)`)
	spec.Topic.Name = "a-topic"
	spec.Kind = EndpointKind_INVALID
	c.Check(spec.Validate(), gc.ErrorMatches, `invalid Kind \(0\)`)
}

func (s *ValidationSuite) TestEndpointMatching(c *gc.C) {
	var topic = Topic{Name: "a-topic", TypeName: "a-type"}
	var w = EndpointSpec{Kind: EndpointKind_WRITER, Topic: topic}
	var r = EndpointSpec{Kind: EndpointKind_READER, Topic: topic, TypeVersion: 2}

	c.Check(w.Matches(r), gc.Equals, true)
	c.Check(r.Matches(w), gc.Equals, true) // Versions don't affect matching.
	c.Check(w.Matches(w), gc.Equals, false)

	r.Topic.TypeName = "other-type"
	c.Check(w.Matches(r), gc.Equals, false)
}

func (s *ValidationSuite) TestCompressionCodecParsing(c *gc.C) {
	for _, tc := range []struct {
		in     string
		expect CompressionCodec
	}{
		{"", CompressionCodec_NONE},
		{"none", CompressionCodec_NONE},
		{"SNAPPY", CompressionCodec_SNAPPY},
		{"zstandard", CompressionCodec_ZSTANDARD},
		{"gzip", CompressionCodec_GZIP},
	} {
		var cc, err = ParseCompressionCodec(tc.in)
		c.Check(err, gc.IsNil)
		c.Check(cc, gc.Equals, tc.expect)
	}
	var _, err = ParseCompressionCodec("lz4")
	c.Check(err, gc.ErrorMatches, `invalid CompressionCodec \(lz4\)`)
	c.Check(CompressionCodec(9).Validate(), gc.ErrorMatches, `invalid CompressionCodec \(9\)`)
}

func (s *ValidationSuite) TestStateStrings(c *gc.C) {
	c.Check(InstanceState_ALIVE.String(), gc.Equals, "ALIVE")
	c.Check(NotAliveInstanceState.String(), gc.Equals, "NOT_ALIVE_DISPOSED|NOT_ALIVE_NO_WRITERS")
	c.Check(InstanceState(0).String(), gc.Equals, "NONE")
	c.Check(AnyViewState.String(), gc.Equals, "NEW|NOT_NEW")
	c.Check(SampleState_NOT_READ.String(), gc.Equals, "NOT_READ")
	c.Check(Disposition_NO_WRITERS.InstanceState(), gc.Equals, InstanceState_NOT_ALIVE_NO_WRITERS)
	c.Check(InstanceState_NEW.IsAlive(), gc.Equals, true)
	c.Check(InstanceState_NOT_ALIVE_DISPOSED.IsAlive(), gc.Equals, false)
}

var _ = gc.Suite(&ValidationSuite{})
