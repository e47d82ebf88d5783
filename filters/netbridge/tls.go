package netbridge

import (
	"crypto/tls"
	"strings"

	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/pkg/tlsutil"
)

var serverTLSParameters = []filter.ParameterDescriptor{
	{Name: "tls_cert", Type: "string", Description: "PEM certificate; enables TLS on the listener"},
	{Name: "tls_key", Type: "string", Description: "PEM private key of tls_cert"},
	{Name: "tls_min_version", Type: "string", Description: "Minimum TLS version, 1.2 or 1.3", Default: "1.2"},
	{Name: "tls_client_ca", Type: "string", Description: "PEM CA bundle; requires peers to present a certificate it signed"},
	{Name: "tls_allowed_cns", Type: "string", Description: "Comma separated peer certificate common names"},
}

var clientTLSParameters = []filter.ParameterDescriptor{
	{Name: "tls", Type: "boolean", Description: "Dial the peer over TLS", Default: false},
	{Name: "tls_ca", Type: "string", Description: "Comma separated PEM CA files trusted besides the system pool"},
	{Name: "tls_server_name", Type: "string", Description: "Expected server name when it differs from the host"},
	{Name: "tls_insecure", Type: "boolean", Description: "Skip server certificate verification", Default: false},
	{Name: "tls_min_version", Type: "string", Description: "Minimum TLS version, 1.2 or 1.3", Default: "1.2"},
	{Name: "tls_cert", Type: "string", Description: "PEM client certificate for mutual TLS"},
	{Name: "tls_key", Type: "string", Description: "PEM private key of tls_cert"},
}

func serverTLS(cfg filter.Configuration) (*tls.Config, error) {
	return tlsutil.LoadServerTLSConfig(tlsutil.ServerConfig{
		CertFile:     cfg.String("tls_cert", ""),
		KeyFile:      cfg.String("tls_key", ""),
		MinVersion:   cfg.String("tls_min_version", ""),
		ClientCAFile: cfg.String("tls_client_ca", ""),
		AllowedCNs:   splitList(cfg.String("tls_allowed_cns", "")),
	})
}

func clientTLS(cfg filter.Configuration) (*tls.Config, error) {
	return tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{
		Enabled:            cfg.Bool("tls", false),
		CAFiles:            splitList(cfg.String("tls_ca", "")),
		ServerName:         cfg.String("tls_server_name", ""),
		InsecureSkipVerify: cfg.Bool("tls_insecure", false),
		MinVersion:         cfg.String("tls_min_version", ""),
		CertFile:           cfg.String("tls_cert", ""),
		KeyFile:            cfg.String("tls_key", ""),
	})
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
