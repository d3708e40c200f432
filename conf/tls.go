package conf

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/spirit-labs/chanrpc/errors"
)

type TLSConfig struct {
	Enabled         bool   `help:"Set to true to enable TLS" default:"false"`
	KeyPath         string `help:"Path to a PEM encoded file containing the server private key"`
	CertPath        string `help:"Path to a PEM encoded file containing the server certificate"`
	ClientCertsPath string `help:"Path to a PEM encoded file containing trusted client certificates and/or CA certificates. Only needed with TLS client authentication"`
	ClientAuth      string `help:"Client certificate authentication mode. One of: no-client-cert, request-client-cert, require-any-client-cert, verify-client-cert-if-given, require-and-verify-client-cert"`
}

type ClientAuthMode string

const (
	ClientAuthModeUnspecified                = ""
	ClientAuthModeNoClientCert               = "no-client-cert"
	ClientAuthModeRequestClientCert          = "request-client-cert"
	ClientAuthModeRequireAnyClientCert       = "require-any-client-cert"
	ClientAuthModeVerifyClientCertIfGiven    = "verify-client-cert-if-given"
	ClientAuthModeRequireAndVerifyClientCert = "require-and-verify-client-cert"
)

var clientAuthTypeMap = map[string]tls.ClientAuthType{
	ClientAuthModeNoClientCert:               tls.NoClientCert,
	ClientAuthModeRequestClientCert:          tls.RequestClientCert,
	ClientAuthModeRequireAnyClientCert:       tls.RequireAnyClientCert,
	ClientAuthModeVerifyClientCertIfGiven:    tls.VerifyClientCertIfGiven,
	ClientAuthModeRequireAndVerifyClientCert: tls.RequireAndVerifyClientCert,
	ClientAuthModeUnspecified:                tls.NoClientCert,
}

func CreateServerTLSConfig(config TLSConfig) (*tls.Config, error) {
	if !config.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{ // nolint: gosec
		MinVersion: tls.VersionTLS12,
	}
	keyPair, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tlsConfig.Certificates = []tls.Certificate{keyPair}
	if config.ClientCertsPath != "" {
		clientCerts, err := os.ReadFile(config.ClientCertsPath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		trustedCertPool := x509.NewCertPool()
		if ok := trustedCertPool.AppendCertsFromPEM(clientCerts); !ok {
			return nil, errors.Errorf("failed to append trusted certs PEM (invalid PEM block?)")
		}
		tlsConfig.ClientCAs = trustedCertPool
	}
	clientAuth, ok := clientAuthTypeMap[config.ClientAuth]
	if !ok {
		return nil, errors.Errorf("invalid tls client auth setting '%s'", config.ClientAuth)
	}
	if config.ClientCertsPath != "" && config.ClientAuth == "" {
		// If client certs provided then default to client auth required
		clientAuth = tls.RequireAndVerifyClientCert
	}
	tlsConfig.ClientAuth = clientAuth
	return tlsConfig, nil
}

type ClientTLSConfig struct {
	Enabled            bool   `help:"Set to true to connect using TLS" default:"false"`
	ServerCertFile     string `help:"Path to a PEM encoded file containing the server certificate or CA certificates"`
	ClientCertFile     string `help:"Path to a PEM encoded file containing the client certificate"`
	ClientKeyFile      string `help:"Path to a PEM encoded file containing the client private key"`
	InsecureSkipVerify bool   `help:"Skip server certificate verification"`
}

func (c *ClientTLSConfig) ToGoTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{ // nolint: gosec
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.ServerCertFile != "" {
		serverCerts, err := os.ReadFile(c.ServerCertFile)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(serverCerts); !ok {
			return nil, errors.Errorf("failed to append server certs - is pem file invalid?")
		}
		tlsConfig.RootCAs = certPool
	}
	if c.ClientCertFile != "" {
		kp, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}
	return tlsConfig, nil
}
