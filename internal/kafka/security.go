package kafka

import (
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Security protocols
const (
	ProtocolPlaintext     = "PLAINTEXT"
	ProtocolSSL           = "SSL"
	ProtocolSASLPlaintext = "SASL_PLAINTEXT"
	ProtocolSASLSSL       = "SASL_SSL"
)

// UsesTLS reports whether the security protocol runs over TLS.
func UsesTLS(protocol string) bool {
	p := strings.ToUpper(protocol)
	return p == ProtocolSSL || p == ProtocolSASLSSL
}

// UsesSASL reports whether the security protocol authenticates with SASL.
func UsesSASL(protocol string) bool {
	p := strings.ToUpper(protocol)
	return p == ProtocolSASLPlaintext || p == ProtocolSASLSSL
}

// ValidateProtocol checks a security_protocol value. Empty means PLAINTEXT.
func ValidateProtocol(protocol string) error {
	switch strings.ToUpper(protocol) {
	case "", ProtocolPlaintext, ProtocolSSL, ProtocolSASLPlaintext, ProtocolSASLSSL:
		return nil
	}
	return fmt.Errorf("unsupported security protocol %q", protocol)
}

// NewSASLMechanism builds a SASL mechanism from its name and credentials.
func NewSASLMechanism(mechanism, username, password string) (sasl.Mechanism, error) {
	switch strings.ToUpper(mechanism) {
	case "", "PLAIN":
		return plain.Mechanism{Username: username, Password: password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, username, password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, username, password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", mechanism)
	}
}
