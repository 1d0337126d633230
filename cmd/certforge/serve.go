package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/api/responder"
	"github.com/certforge/certforge/internal/api/server"
	"github.com/certforge/certforge/internal/audit"
	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/profile"
)

var (
	serveConfigFile string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the command channel server",
	Long: `Start the command channel server.

The configuration file declares the listener, the CAs to expose and
their requestors. Every value can also be set through environment
variables prefixed with CERTFORGE_ (dots become underscores).

Example configuration:

  listen:
    port: 8443
  tls:
    cert: /etc/certforge/server.crt
    key: /etc/certforge/server.key
    clientCAs: /etc/certforge/client-cas.pem
  audit:
    log: /var/log/certforge/audit.log
  cas:
    - name: issuing-ca
      dir: /var/lib/certforge/issuing-ca
      profiles: /etc/certforge/profiles/issuing-ca
      aliases: [tls]
      saveRequests: true
      requestors:
        - name: ra-1
          cert: /etc/certforge/requestors/ra-1.crt
          permissions: [enroll, keyupdate, revoke]
          profiles: [tls-server, tls-client]`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "Configuration file (required)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Verbose development logging")
	_ = serveCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(serveCmd)
}

// serveConfig is the file layout the serve command reads.
type serveConfig struct {
	Listen struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"listen"`

	TLS struct {
		Cert      string `mapstructure:"cert"`
		Key       string `mapstructure:"key"`
		ClientCAs string `mapstructure:"clientCAs"`
	} `mapstructure:"tls"`

	Audit struct {
		Log string `mapstructure:"log"`
	} `mapstructure:"audit"`

	// SweepInterval is how often expired pending certificates are rolled
	// back; zero keeps the default.
	SweepInterval time.Duration `mapstructure:"sweepInterval"`

	CAs []caConfig `mapstructure:"cas"`
}

type caConfig struct {
	Name     string   `mapstructure:"name"`
	Dir      string   `mapstructure:"dir"`
	Profiles string   `mapstructure:"profiles"`
	Aliases  []string `mapstructure:"aliases"`

	// Status defaults to active; an inactive CA keeps its state but
	// answers no commands.
	Status string `mapstructure:"status"`

	ExplicitConfirm bool          `mapstructure:"explicitConfirm"`
	ConfirmWait     time.Duration `mapstructure:"confirmWait"`
	ChainInEnroll   bool          `mapstructure:"chainInEnroll"`
	SaveRequests    bool          `mapstructure:"saveRequests"`

	Requestors []requestorConfig `mapstructure:"requestors"`
}

type requestorConfig struct {
	Name        string   `mapstructure:"name"`
	Cert        string   `mapstructure:"cert"`
	Permissions []string `mapstructure:"permissions"`
	Profiles    []string `mapstructure:"profiles"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(serveConfigFile)
	if err != nil {
		return err
	}
	if len(cfg.CAs) == 0 {
		return fmt.Errorf("configuration declares no CAs")
	}

	log, err := newLogger(serveDebug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	auditWriter, err := newAuditWriter(cfg.Audit.Log)
	if err != nil {
		return err
	}
	defer auditWriter.Close()

	registry := ca.NewRegistry()
	var authorities []*ca.LocalCA
	defer func() {
		for _, a := range authorities {
			_ = a.Close()
		}
	}()
	for _, cc := range cfg.CAs {
		entry, authority, err := buildCA(cc, log)
		if err != nil {
			return fmt.Errorf("CA %s: %w", cc.Name, err)
		}
		if err := registry.Register(entry); err != nil {
			return err
		}
		authorities = append(authorities, authority)
		log.Info("registered CA",
			zap.String("ca", cc.Name),
			zap.Strings("aliases", cc.Aliases),
			zap.String("status", string(entry.Status)))
	}

	rs := responder.New(responder.Config{
		Registry:    registry,
		Audit:       auditWriter,
		Logger:      log,
		SweepPeriod: cfg.SweepInterval,
		Metrics:     responder.NewMetrics(prometheus.DefaultRegisterer),
	})
	defer rs.Close()

	srvCfg := server.DefaultConfig()
	if cfg.Listen.Host != "" {
		srvCfg.Host = cfg.Listen.Host
	}
	if cfg.Listen.Port != 0 {
		srvCfg.Port = cfg.Listen.Port
	}
	srvCfg.TLSCert = cfg.TLS.Cert
	srvCfg.TLSKey = cfg.TLS.Key
	srvCfg.ClientCAFile = cfg.TLS.ClientCAs

	return server.New(srvCfg, rs, log).Start()
}

func loadServeConfig(path string) (*serveConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CERTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	var cfg serveConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return &cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newAuditWriter(path string) (audit.Writer, error) {
	if path == "" {
		return audit.NopWriter{}, nil
	}
	return audit.NewFileWriter(path)
}

// buildCA assembles one registry entry from its configuration block.
func buildCA(cc caConfig, log *zap.Logger) (*ca.Entry, *ca.LocalCA, error) {
	if cc.Name == "" || cc.Dir == "" || cc.Profiles == "" {
		return nil, nil, fmt.Errorf("name, dir and profiles are required")
	}
	profiles, err := profile.LoadDir(cc.Profiles)
	if err != nil {
		return nil, nil, err
	}
	authority, err := ca.NewLocalCA(ca.LocalCAConfig{
		Name:            cc.Name,
		Dir:             cc.Dir,
		Profiles:        profiles,
		ArchiveRequests: cc.SaveRequests,
		Logger:          log,
	})
	if err != nil {
		return nil, nil, err
	}

	status := ca.StatusActive
	switch strings.ToLower(cc.Status) {
	case "", string(ca.StatusActive):
	case string(ca.StatusInactive):
		status = ca.StatusInactive
	default:
		_ = authority.Close()
		return nil, nil, fmt.Errorf("unknown status %q", cc.Status)
	}

	var requestors []*ca.Requestor
	for _, rc := range cc.Requestors {
		r, err := buildRequestor(rc)
		if err != nil {
			_ = authority.Close()
			return nil, nil, fmt.Errorf("requestor %s: %w", rc.Name, err)
		}
		requestors = append(requestors, r)
	}

	return &ca.Entry{
		Authority:       authority,
		Status:          status,
		Aliases:         cc.Aliases,
		Requestors:      requestors,
		ExplicitConfirm: cc.ExplicitConfirm,
		ConfirmWait:     cc.ConfirmWait,
		ChainInEnroll:   cc.ChainInEnroll,
		SaveRequest:     cc.SaveRequests,
	}, authority, nil
}

func buildRequestor(rc requestorConfig) (*ca.Requestor, error) {
	cert, err := loadCertificate(rc.Cert)
	if err != nil {
		return nil, err
	}
	perms, err := ca.ParsePermissions(rc.Permissions)
	if err != nil {
		return nil, err
	}
	return ca.NewRequestor(rc.Name, cert, perms, rc.Profiles), nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s holds no PEM certificate", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
