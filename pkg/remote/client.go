// Package remote runs shell commands on cluster hosts over SSH.
package remote

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/andrej220/fcdeploy/pkg/resilience"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort = "22"
	dialTimeout    = 10 * time.Second
)

type Config struct {
	User     string        `yaml:"user" json:"user" validate:"required"`
	Password string        `yaml:"password" json:"-"`
	KeyFile  string        `yaml:"key_file" json:"key_file"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

type ResilientSSHClient struct {
	SSHClient *ssh.Client
	ResConf   *resilience.ResilienceConfig
}

func (c *ResilientSSHClient) Close() error {
	return c.SSHClient.Close()
}

func (c *ResilientSSHClient) RemoteAddr() string {
	return c.SSHClient.RemoteAddr().String()
}

// NewResilientClient dials host (port 22 unless given) and wraps the
// connection with the breaker and backoff used for every session.
func NewResilientClient(host string, cfg Config) (*ResilientSSHClient, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = dialTimeout
	}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // freshly imaged CVMs have unknown host keys
		Timeout:         timeout,
		BannerCallback:  func(string) error { return nil },
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, defaultSSHPort)
	}
	client, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &ResilientSSHClient{
		SSHClient: client,
		ResConf:   resilience.Default("ssh-" + host),
	}, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh: no password or key file for user %q", cfg.User)
	}
	return methods, nil
}
