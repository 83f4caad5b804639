package backup

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/s3store"
)

// Mode selects how a node coordinates with its peers.
type Mode string

const (
	// ModeDistributed skips a run when another node published recently.
	ModeDistributed Mode = "distributed"
	// ModeIndependent always backs up, one artifact per node.
	ModeIndependent Mode = "independent"
)

// EtcdConfig locates the cluster and the tooling used to talk to it.
type EtcdConfig struct {
	Endpoints      []string `yaml:"endpoints"`
	Cert           string   `yaml:"cert"`
	Key            string   `yaml:"key"`
	CACert         string   `yaml:"cacert"`
	BinDir         string   `yaml:"bin_dir"`
	DataDirPattern string   `yaml:"data_dir_pattern"`
}

// EncryptionConfig selects the envelope method and its credential
// source. Credentials are read per run and never logged.
type EncryptionConfig struct {
	Method      string `yaml:"method"`
	KMSKeyID    string `yaml:"kms_key_id"`
	KMSRegion   string `yaml:"kms_region"`
	KMSEndpoint string `yaml:"kms_endpoint"`
	Password    string `yaml:"password"`
}

// Credential builds the per-call credential for the envelope codec.
func (e EncryptionConfig) Credential() envelope.Credential {
	return envelope.Credential{KMSKeyID: e.KMSKeyID, Password: e.Password}
}

// Config is the typed configuration for a backup node.
type Config struct {
	ClusterName     string           `yaml:"cluster_name"`
	NodeName        string           `yaml:"node_name"`
	Etcd            EtcdConfig       `yaml:"etcd"`
	BackupDir       string           `yaml:"backup_dir"`
	TmpDir          string           `yaml:"tmp_dir"`
	S3              s3store.Config   `yaml:"s3"`
	S3Prefix        string           `yaml:"s3_prefix"`
	Encryption      EncryptionConfig `yaml:"encryption"`
	Mode            Mode             `yaml:"mode"`
	OnlineOnly      bool             `yaml:"online_only"`
	IntervalMinutes int              `yaml:"backup_interval_minutes"`
	RetentionDays   int              `yaml:"retention_days"`
	HealthcheckURL  string           `yaml:"healthcheck_url"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEncryptionConfig reads only the encryption section of a config
// file. The decrypt helper works on local files and never touches the
// cluster or object storage, so the rest of the config is not required.
func LoadEncryptionConfig(path string) (EncryptionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EncryptionConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg struct {
		Encryption EncryptionConfig `yaml:"encryption"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EncryptionConfig{}, fmt.Errorf("parse config: %w", err)
	}
	method, err := envelope.ParseMethod(cfg.Encryption.Method)
	if err != nil {
		return EncryptionConfig{}, err
	}
	cfg.Encryption.Method = string(method)
	return cfg.Encryption, nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return errors.New("cluster_name is required")
	}
	if c.S3.Bucket == "" {
		return errors.New("s3.bucket is required")
	}
	if c.S3Prefix == "" {
		c.S3Prefix = "etcd-backups"
	}
	if c.BackupDir == "" {
		return errors.New("backup_dir is required")
	}
	if c.TmpDir == "" {
		c.TmpDir = os.TempDir()
	}
	if len(c.Etcd.Endpoints) == 0 {
		return errors.New("etcd.endpoints is required")
	}
	if c.Etcd.DataDirPattern == "" {
		c.Etcd.DataDirPattern = "/var/lib/etcd/etcd-*"
	}

	switch c.Mode {
	case ModeDistributed, ModeIndependent:
	case "":
		c.Mode = ModeDistributed
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeDistributed, ModeIndependent, c.Mode)
	}

	method, err := envelope.ParseMethod(c.Encryption.Method)
	if err != nil {
		return err
	}
	c.Encryption.Method = string(method)
	switch method {
	case envelope.MethodKMS:
		if c.Encryption.KMSKeyID == "" {
			return errors.New("encryption.kms_key_id is required for aws-kms")
		}
	case envelope.MethodSymmetric:
		if c.Encryption.Password == "" {
			return errors.New("encryption.password is required for symmetric")
		}
	}

	if c.IntervalMinutes <= 0 {
		c.IntervalMinutes = 30
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	return nil
}

// Method returns the validated envelope method.
func (c Config) Method() envelope.Method {
	method, _ := envelope.ParseMethod(c.Encryption.Method)
	return method
}

// Interval is the distributed-mode dedup window.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}
