package cabackup

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/s3store"
	"etcdsafe/services/backup"
)

// Config is the typed configuration for the CA backup checker.
type Config struct {
	ClusterName string `yaml:"cluster_name"`
	// SourceDirs are the CA secrets and configuration trees to archive.
	SourceDirs []string `yaml:"source_dirs"`
	// StateDir holds the change-detection state file (0700).
	StateDir      string                  `yaml:"state_dir"`
	BackupDir     string                  `yaml:"backup_dir"`
	S3            s3store.Config          `yaml:"s3"`
	S3Prefix      string                  `yaml:"s3_prefix"`
	Encryption    backup.EncryptionConfig `yaml:"encryption"`
	RetentionDays int                     `yaml:"retention_days"`
	// StandbyRecipients are age public keys of standby CA hosts. When
	// set, each published archive is also re-encrypted per recipient for
	// out-of-band replication.
	StandbyRecipients []string `yaml:"standby_recipients"`
	HealthcheckURL    string   `yaml:"healthcheck_url"`
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

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return errors.New("cluster_name is required")
	}
	if len(c.SourceDirs) == 0 {
		return errors.New("source_dirs is required")
	}
	if c.StateDir == "" {
		return errors.New("state_dir is required")
	}
	if c.S3.Bucket == "" {
		return errors.New("s3.bucket is required")
	}
	if c.S3Prefix == "" {
		c.S3Prefix = "ca-backups"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
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
	case envelope.MethodNone:
		// CA secrets are too sensitive for plaintext object storage.
		return errors.New("encryption.method none is not allowed for CA backups")
	}
	return nil
}

// Method returns the validated envelope method.
func (c Config) Method() envelope.Method {
	method, _ := envelope.ParseMethod(c.Encryption.Method)
	return method
}
