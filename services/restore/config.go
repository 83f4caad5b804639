package restore

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"etcdsafe/pkg/envelope"
	"etcdsafe/pkg/s3store"
	"etcdsafe/services/backup"
)

// Node identifies one restore target and how to reach it.
type Node struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	User string `yaml:"user"`
	// SSHKey is the private key used for remote execution.
	SSHKey string `yaml:"ssh_key"`
	// PeerURL is the node's peer advertise URL, used to rebuild cluster
	// membership when applying a data snapshot.
	PeerURL string `yaml:"peer_url"`
	// DataDir is the service state directory replaced by a data restore.
	DataDir string `yaml:"data_dir"`
}

// Config is the typed configuration for the restore orchestrator. It is
// read on the control host; target nodes need no configuration of their
// own.
type Config struct {
	ClusterName string `yaml:"cluster_name"`
	Nodes       []Node `yaml:"nodes"`
	// Standbys are standby certificate-authority hosts that receive a
	// replicated copy after a successful ca-secrets restore and remain
	// stopped.
	Standbys   []Node                  `yaml:"standbys"`
	Etcd       backup.EtcdConfig       `yaml:"etcd"`
	S3         s3store.Config          `yaml:"s3"`
	S3Prefix   string                  `yaml:"s3_prefix"`
	CAS3Prefix string                  `yaml:"ca_s3_prefix"`
	Encryption backup.EncryptionConfig `yaml:"encryption"`
	// ServiceName is the systemd unit controlled during a data restore.
	ServiceName string `yaml:"service_name"`
	// CAServiceName is the unit controlled during a ca-secrets restore.
	CAServiceName string `yaml:"ca_service_name"`
	// CADir is the directory replaced by a ca-secrets restore.
	CADir string `yaml:"ca_dir"`
	// CACertPath is the certificate whose fingerprint proves the restored
	// identity.
	CACertPath string `yaml:"ca_cert_path"`
	// WorkDir is the staging directory on each target node.
	WorkDir string `yaml:"work_dir"`
	// ServiceOwner owns the restored data directory (user[:group]).
	ServiceOwner        string `yaml:"service_owner"`
	HealthTimeoutSec    int    `yaml:"health_timeout_seconds"`
	HealthPollSec       int    `yaml:"health_poll_seconds"`
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
	if len(c.Nodes) == 0 {
		return errors.New("nodes is required")
	}
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d].name is required", i)
		}
		if n.Host == "" {
			return fmt.Errorf("nodes[%d].host is required", i)
		}
	}
	if c.S3.Bucket == "" {
		return errors.New("s3.bucket is required")
	}
	if c.S3Prefix == "" {
		c.S3Prefix = "etcd-backups"
	}
	if c.CAS3Prefix == "" {
		c.CAS3Prefix = "ca-backups"
	}
	if c.ServiceName == "" {
		c.ServiceName = "etcd"
	}
	if c.CAServiceName == "" {
		c.CAServiceName = "step-ca"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/var/tmp/etcd-restore"
	}
	if c.ServiceOwner == "" {
		c.ServiceOwner = "etcd:etcd"
	}
	if c.HealthTimeoutSec <= 0 {
		c.HealthTimeoutSec = 300
	}
	if c.HealthPollSec <= 0 {
		c.HealthPollSec = 5
	}

	if _, err := envelope.ParseMethod(c.Encryption.Method); err != nil {
		return err
	}
	return nil
}

// Method returns the validated envelope method.
func (c Config) Method() envelope.Method {
	method, _ := envelope.ParseMethod(c.Encryption.Method)
	return method
}

// HealthTimeout bounds the post-restore health poll.
func (c Config) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSec) * time.Second
}

// HealthPoll is the interval between health probes.
func (c Config) HealthPoll() time.Duration {
	return time.Duration(c.HealthPollSec) * time.Second
}
