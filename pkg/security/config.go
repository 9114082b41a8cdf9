// Package security holds TLS settings for bus, status API and gateway connections
package security

// ClientTLSConfig configures outbound TLS. The system CA bundle is always trusted;
// CAFiles are additional roots.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`                   // "1.2" or "1.3"
	ServerName         string   `json:"server_name,omitempty" yaml:"server_name,omitempty"`

	// Client certificate for brokers that require mTLS
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// ServerTLSConfig configures the gateway listener
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"`

	// mTLS: dashboards present certificates signed by ClientCAFiles
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}
