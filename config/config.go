// Package config loads the server and CA configuration file and builds the
// runtime objects (authorities, requestors) described by it.
package config

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/coolhoo/xipki/ca"
	"github.com/coolhoo/xipki/storage"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Server   ServerConfig  `mapstructure:"server"`
	Storage  StorageConfig `mapstructure:"storage"`
	CAs      []CAConfig    `mapstructure:"cas"`
}

// ServerConfig configures the REST listener.
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory, bbolt or postgres
	Path    string `mapstructure:"path"`    // bbolt database file
	DSN     string `mapstructure:"dsn"`     // postgres connection string
}

// CAConfig describes one CA instance.
type CAConfig struct {
	Name             string            `mapstructure:"name"`
	ID               int               `mapstructure:"id"`
	Aliases          []string          `mapstructure:"aliases"`
	Status           string            `mapstructure:"status"`
	CertFile         string            `mapstructure:"cert_file"`
	KeyFile          string            `mapstructure:"key_file"`
	NextSerial       uint64            `mapstructure:"next_serial"` // 0 = random
	DuplicateKey     string            `mapstructure:"duplicate_key"`
	DuplicateSubject string            `mapstructure:"duplicate_subject"`
	NumCRLs          int               `mapstructure:"num_crls"`
	ExpirationPeriod int               `mapstructure:"expiration_period"`
	CRLValidity      time.Duration     `mapstructure:"crl_validity"`
	Profiles         []ProfileConfig   `mapstructure:"profiles"`
	Requestors       []RequestorConfig `mapstructure:"requestors"`
}

// ProfileConfig describes one certificate profile.
type ProfileConfig struct {
	Name         string        `mapstructure:"name"`
	Validity     time.Duration `mapstructure:"validity"`
	KeyUsages    []string      `mapstructure:"key_usages"`
	ExtKeyUsages []string      `mapstructure:"ext_key_usages"`
}

// RequestorConfig describes one authenticated requestor of a CA.
type RequestorConfig struct {
	Name        string   `mapstructure:"name"`
	ID          int      `mapstructure:"id"`
	Password    string   `mapstructure:"password"`
	Permissions []string `mapstructure:"permissions"`
	Profiles    []string `mapstructure:"profiles"`
}

// Load reads and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8443")
	v.SetDefault("storage.backend", "bbolt")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return &cfg, nil
}

var statusNames = map[string]ca.Status{
	"":            ca.StatusActive,
	"active":      ca.StatusActive,
	"pending":     ca.StatusPending,
	"deactivated": ca.StatusDeactivated,
}

var duplicateModes = map[string]ca.DuplicateMode{
	"":                         ca.DuplicateAllowed,
	"allowed":                  ca.DuplicateAllowed,
	"forbidden":                ca.DuplicateForbidden,
	"forbidden_within_profile": ca.DuplicateForbiddenWithinProfile,
}

var keyUsageNames = map[string]x509.KeyUsage{
	"digital_signature":  x509.KeyUsageDigitalSignature,
	"content_commitment": x509.KeyUsageContentCommitment,
	"key_encipherment":   x509.KeyUsageKeyEncipherment,
	"data_encipherment":  x509.KeyUsageDataEncipherment,
	"key_agreement":      x509.KeyUsageKeyAgreement,
	"cert_sign":          x509.KeyUsageCertSign,
	"crl_sign":           x509.KeyUsageCRLSign,
}

var extKeyUsageNames = map[string]x509.ExtKeyUsage{
	"server_auth":      x509.ExtKeyUsageServerAuth,
	"client_auth":      x509.ExtKeyUsageClientAuth,
	"code_signing":     x509.ExtKeyUsageCodeSigning,
	"email_protection": x509.ExtKeyUsageEmailProtection,
	"time_stamping":    x509.ExtKeyUsageTimeStamping,
	"ocsp_signing":     x509.ExtKeyUsageOCSPSigning,
}

// BuildInfo converts a CAConfig into the engine's Info plus profile table.
func (cc *CAConfig) BuildInfo() (*ca.Info, error) {
	status, ok := statusNames[cc.Status]
	if !ok {
		return nil, fmt.Errorf("CA %s: unknown status %q", cc.Name, cc.Status)
	}
	dupKey, ok := duplicateModes[cc.DuplicateKey]
	if !ok {
		return nil, fmt.Errorf("CA %s: unknown duplicate_key mode %q", cc.Name, cc.DuplicateKey)
	}
	dupSubject, ok := duplicateModes[cc.DuplicateSubject]
	if !ok {
		return nil, fmt.Errorf("CA %s: unknown duplicate_subject mode %q", cc.Name, cc.DuplicateSubject)
	}

	info := &ca.Info{
		NameID:               ca.NameID{Name: cc.Name, ID: cc.ID},
		Status:               status,
		SerialPolicy:         ca.SerialPolicy{NextSerial: cc.NextSerial},
		DuplicateKeyMode:     dupKey,
		DuplicateSubjectMode: dupSubject,
		NumCRLs:              cc.NumCRLs,
		ExpirationPeriod:     cc.ExpirationPeriod,
		CRLValidity:          cc.CRLValidity,
	}
	for _, pc := range cc.Profiles {
		profile, err := pc.Build()
		if err != nil {
			return nil, fmt.Errorf("CA %s: %w", cc.Name, err)
		}
		info.AddProfile(profile)
	}
	return info, nil
}

// Build converts a ProfileConfig into a certificate profile.
func (pc *ProfileConfig) Build() (*ca.Profile, error) {
	profile := &ca.Profile{
		Name:     pc.Name,
		Validity: pc.Validity,
	}
	if profile.Validity == 0 {
		profile.Validity = 365 * 24 * time.Hour
	}
	for _, name := range pc.KeyUsages {
		ku, ok := keyUsageNames[name]
		if !ok {
			return nil, fmt.Errorf("profile %s: unknown key usage %q", pc.Name, name)
		}
		profile.KeyUsage |= ku
	}
	for _, name := range pc.ExtKeyUsages {
		eku, ok := extKeyUsageNames[name]
		if !ok {
			return nil, fmt.Errorf("profile %s: unknown extended key usage %q", pc.Name, name)
		}
		profile.ExtKeyUsage = append(profile.ExtKeyUsage, eku)
	}
	return profile, nil
}

// Requestor pairs an engine requestor with its transport credentials.
type Requestor struct {
	*ca.Requestor
	Password string
}

// BuildRequestors converts the requestor configs of a CA.
func (cc *CAConfig) BuildRequestors() ([]*Requestor, error) {
	out := make([]*Requestor, 0, len(cc.Requestors))
	for _, rc := range cc.Requestors {
		perms, err := ca.PermissionFromNames(rc.Permissions)
		if err != nil {
			return nil, fmt.Errorf("CA %s requestor %s: %w", cc.Name, rc.Name, err)
		}
		out = append(out, &Requestor{
			Requestor: ca.NewRequestor(ca.NameID{Name: rc.Name, ID: rc.ID}, perms, rc.Profiles),
			Password:  rc.Password,
		})
	}
	return out, nil
}

// BuildAuthority loads the CA's certificate and key and constructs the
// lifecycle engine on the given repository.
func (cc *CAConfig) BuildAuthority(ctx context.Context, repo storage.Repository, opts ...ca.Option) (*ca.Authority, error) {
	info, err := cc.BuildInfo()
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(cc.CertFile)
	if err != nil {
		return nil, fmt.Errorf("CA %s: reading certificate: %w", cc.Name, err)
	}
	keyPEM, err := os.ReadFile(cc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("CA %s: reading private key: %w", cc.Name, err)
	}
	signer, err := ca.NewSoftwareSignerFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("CA %s: %w", cc.Name, err)
	}
	return ca.NewAuthority(ctx, info, signer, repo, opts...)
}
