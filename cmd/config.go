package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/types"
	"github.com/concrnt/apnode/worker"
)

const defaultConfigPath = "/etc/apnode/config.yaml"

type Config struct {
	ApConfig types.ApConfig `yaml:"apConfig"`
	Server   Server         `yaml:"server"`
	Worker   worker.Config  `yaml:"worker"`
	NodeInfo types.NodeInfo `yaml:"nodeInfo"`
}

type Server struct {
	Driver        string `yaml:"driver"`
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	ApiToken      string `yaml:"apiToken"`
	LogLevel      string `yaml:"logLevel"`
	Development   bool   `yaml:"development"`
}

// configPaths lists the files to load: the flag value, then APNODE_CONFIG, then the
// colon separated APNODE_CONFIGS.
func configPaths(flag string) []string {
	paths := []string{}
	if flag != "" {
		paths = append(paths, flag)
	}
	if path := os.Getenv("APNODE_CONFIG"); path != "" {
		paths = append(paths, path)
	}
	if additional := os.Getenv("APNODE_CONFIGS"); additional != "" {
		for v := range strings.SplitSeq(additional, ":") {
			if v != "" {
				paths = append(paths, v)
			}
		}
	}
	if len(paths) == 0 {
		paths = append(paths, defaultConfigPath)
	}
	return paths
}

// loadConfig decodes every file over the same value, so later files override earlier ones.
func loadConfig(paths []string) (Config, error) {
	var config Config
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return config, errors.Wrapf(err, "failed to read %s", path)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return config, errors.Wrapf(err, "failed to parse %s", path)
		}
	}

	if config.ApConfig.FQDN == "" || config.ApConfig.Username == "" {
		return config, errors.New("apConfig.fqdn and apConfig.username are required")
	}
	if config.Server.Driver == "" {
		config.Server.Driver = "postgres"
	}
	return config, nil
}

// privateKeyPEM returns the inline key, or reads it from privateKeyPath.
func privateKeyPEM(config types.ApConfig) (string, error) {
	if config.PrivateKey != "" {
		return config.PrivateKey, nil
	}
	if config.PrivateKeyPath == "" {
		return "", errors.New("apConfig.privateKey or apConfig.privateKeyPath is required")
	}
	data, err := os.ReadFile(config.PrivateKeyPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to read private key")
	}
	return string(data), nil
}

func loadKeys(config types.ApConfig) (*keyPair, error) {
	data, err := privateKeyPEM(config)
	if err != nil {
		return nil, err
	}
	priv, err := signature.ParsePrivateKey(data)
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	pub, err := signature.PublicKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	return &keyPair{private: priv, publicPEM: pub}, nil
}
