package session

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	pb "go.gazette.dev/dds/protocol"
)

// NewKeyedAuth returns a KeyedAuth using the given pre-shared secret keys,
// which are base64 encoded and separated by whitespace and/or commas.
//
// The first key is used for signing handshake tokens, and any key may verify
// a presented token. Tokens expire after |ttl|.
func NewKeyedAuth(base64Keys string, ttl time.Duration) (*KeyedAuth, error) {
	var keys jwt.VerificationKeySet

	for i, key := range strings.Fields(strings.ReplaceAll(base64Keys, ",", " ")) {
		if b, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, errors.Wrapf(err, "failed to decode key at index %d", i)
		} else {
			keys.Keys = append(keys.Keys, b)
		}
	}
	if len(keys.Keys) == 0 {
		return nil, errors.New("at least one key must be provided")
	} else if ttl <= 0 {
		return nil, errors.Errorf("invalid token TTL (%s; expected > 0)", ttl)
	}
	return &KeyedAuth{VerificationKeySet: keys, ttl: ttl}, nil
}

// KeyedAuth signs and verifies session handshake tokens using symmetric,
// pre-shared keys. A token authorizes its writer to open a session with a
// specific reader over a specific topic.
type KeyedAuth struct {
	jwt.VerificationKeySet
	ttl time.Duration
}

// Claims of a handshake token. The Subject is the writer EndpointID, and
// the Audience is the reader EndpointID.
type Claims struct {
	jwt.RegisteredClaims
	Topic string `json:"topic"`
}

// Token returns a signed token authorizing a session of |writer| to |reader|
// over |topic|.
func (k *KeyedAuth) Token(writer, reader pb.EndpointID, topic pb.Topic) (string, error) {
	var now = time.Now()
	var claims = Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   writer.String(),
			Audience:  jwt.ClaimStrings{reader.String()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
		},
		Topic: topic.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Keys[0])
}

// Verify the |token| of a HANDSHAKE. Failures are ErrUnauthenticated.
func (k *KeyedAuth) Verify(token string, writer, reader pb.EndpointID, topic pb.Topic) error {
	if token == "" {
		return errors.WithMessage(pb.ErrUnauthenticated, "missing handshake token")
	}
	var claims Claims

	if _, err := jwt.ParseWithClaims(token, &claims,
		func(token *jwt.Token) (interface{}, error) { return k.VerificationKeySet, nil },
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Second*5),
		jwt.WithValidMethods([]string{"HS256", "HS384"}),
		jwt.WithSubject(writer.String()),
		jwt.WithAudience(reader.String()),
	); err != nil {
		return errors.WithMessagef(pb.ErrUnauthenticated, "verifying token: %s", err)
	} else if claims.Topic != topic.Name {
		return errors.WithMessagef(pb.ErrUnauthenticated,
			"token topic %q doesn't match %q", claims.Topic, topic.Name)
	}
	return nil
}
