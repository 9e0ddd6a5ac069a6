// Package config loads the IAM server/agent JSON configuration file via
// viper, mirroring original_source's config.hpp struct layout.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Identifier is a tagged-variant plugin selector: mPlugin names the
// implementation, mParams carries its opaque, plugin-specific parameters.
// Grounded on original_source/src/config/config.hpp's Identifier struct.
type Identifier struct {
	Plugin string                 `mapstructure:"plugin" json:"plugin"`
	Params map[string]interface{} `mapstructure:"params" json:"params"`
}

// CertModule describes one certificate-handling module slot (CA, online,
// offline, ...), mirroring config.hpp's ModuleConfig.
type CertModule struct {
	ID                 string                 `mapstructure:"id" json:"id"`
	Plugin             string                 `mapstructure:"plugin" json:"plugin"`
	Algorithm          string                 `mapstructure:"algorithm" json:"algorithm"`
	MaxItems           int                    `mapstructure:"maxItems" json:"maxItems"`
	ExtendedKeyUsage   []string               `mapstructure:"extendedKeyUsage" json:"extendedKeyUsage"`
	AlternativeNames   []string               `mapstructure:"alternativeNames" json:"alternativeNames"`
	Disabled           bool                   `mapstructure:"disabled" json:"disabled"`
	SkipValidation     bool                   `mapstructure:"skipValidation" json:"skipValidation"`
	IsSelfSigned       bool                   `mapstructure:"isSelfSigned" json:"isSelfSigned"`
	Params             map[string]interface{} `mapstructure:"params" json:"params"`
}

// NodeInfoConfig configures how local node facts are collected. The actual
// collaborators (cpuinfo/meminfo parsers) are out of scope: CPUInfoPath,
// MemInfoPath and NodeIDPath are decoded but not read by this repo, while
// ProvisioningStatePath and the node name/type/OS/DMIPS/attrs fields are.
type NodeInfoConfig struct {
	CPUInfoPath          string            `mapstructure:"cpuInfoPath" json:"cpuInfoPath"`
	MemInfoPath          string            `mapstructure:"memInfoPath" json:"memInfoPath"`
	ProvisioningStatePath string           `mapstructure:"provisioningStatePath" json:"provisioningStatePath"`
	NodeIDPath           string            `mapstructure:"nodeIdPath" json:"nodeIdPath"`
	NodeName             string            `mapstructure:"nodeName" json:"nodeName"`
	NodeType             string            `mapstructure:"nodeType" json:"nodeType"`
	OSType               string            `mapstructure:"osType" json:"osType"`
	MaxDMIPS             int               `mapstructure:"maxDmips" json:"maxDmips"`
	Attrs                map[string]string `mapstructure:"attrs" json:"attrs"`
}

// DatabaseConfig configures the permstore/auditlog Postgres connection.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" json:"dsn"`
}

// Common holds the fields shared by server and agent configs, mirroring
// config.hpp's base IAMConfig.
type Common struct {
	CACert                   string     `mapstructure:"caCert" json:"caCert"`
	CertStorage              string     `mapstructure:"certStorage" json:"certStorage"`
	StartProvisioningCmdArgs []string   `mapstructure:"startProvisioningCmdArgs" json:"startProvisioningCmdArgs"`
	DiskEncryptionCmdArgs    []string   `mapstructure:"diskEncryptionCmdArgs" json:"diskEncryptionCmdArgs"`
	FinishProvisioningCmdArgs []string  `mapstructure:"finishProvisioningCmdArgs" json:"finishProvisioningCmdArgs"`
	DeprovisionCmdArgs       []string   `mapstructure:"deprovisionCmdArgs" json:"deprovisionCmdArgs"`
	CertModules              []CertModule `mapstructure:"certModules" json:"certModules"`
	Identifier               Identifier `mapstructure:"identifier" json:"identifier"`
	NodeInfo                 NodeInfoConfig `mapstructure:"nodeInfo" json:"nodeInfo"`
	Database                 DatabaseConfig `mapstructure:"database" json:"database"`
	LogLevel                 string     `mapstructure:"logLevel" json:"logLevel"`
	ProvisioningPasswordHash string     `mapstructure:"provisioningPasswordHash" json:"provisioningPasswordHash"`
}

// ServerConfig is the root iamserver configuration, mirroring
// config.hpp's IAMServerConfig.
type ServerConfig struct {
	Common                 `mapstructure:",squash"`
	IAMPublicServerURL    string `mapstructure:"iamPublicServerUrl" json:"iamPublicServerUrl"`
	IAMProtectedServerURL string `mapstructure:"iamProtectedServerUrl" json:"iamProtectedServerUrl"`
	IsMainNode            bool   `mapstructure:"isMainNode" json:"isMainNode"`
	EventBus              string `mapstructure:"eventBus" json:"eventBus"`
	NATSURL               string `mapstructure:"natsUrl" json:"natsUrl"`
	OPAPolicyPath         string `mapstructure:"opaPolicyPath" json:"opaPolicyPath"`
	SpiceDBEndpoint       string `mapstructure:"spicedbEndpoint" json:"spicedbEndpoint"`
	SpiceDBToken          string `mapstructure:"spicedbToken" json:"spicedbToken"`
	RateLimitRPS          float64 `mapstructure:"rateLimitRps" json:"rateLimitRps"`
	RedisURL              string `mapstructure:"redisUrl" json:"redisUrl"`
	OTLPEndpoint          string `mapstructure:"otlpEndpoint" json:"otlpEndpoint"`
	OpsListenAddr         string `mapstructure:"opsListenAddr" json:"opsListenAddr"`
	PermSignKey           string `mapstructure:"permSignKey" json:"permSignKey"`
	MaxNumServices        int    `mapstructure:"maxNumServices" json:"maxNumServices"`
	NodeID                string `mapstructure:"nodeId" json:"nodeId"`
	NodeName              string `mapstructure:"nodeName" json:"nodeName"`
	PublicCert            string `mapstructure:"publicCert" json:"publicCert"`
	PublicKey             string `mapstructure:"publicKey" json:"publicKey"`
	ProtectedCert         string `mapstructure:"protectedCert" json:"protectedCert"`
	ProtectedKey          string `mapstructure:"protectedKey" json:"protectedKey"`
}

// AgentConfig is the root iamagent configuration, mirroring config.hpp's
// IAMClientConfig.
type AgentConfig struct {
	Common                   `mapstructure:",squash"`
	MainIAMPublicServerURL    string        `mapstructure:"mainIamPublicServerUrl" json:"mainIamPublicServerUrl"`
	MainIAMProtectedServerURL string        `mapstructure:"mainIamProtectedServerUrl" json:"mainIamProtectedServerUrl"`
	NodeReconnectInterval     time.Duration `mapstructure:"nodeReconnectInterval" json:"nodeReconnectInterval"`
	ClientCert                string        `mapstructure:"clientCert" json:"clientCert"`
	ClientKey                 string        `mapstructure:"clientKey" json:"clientKey"`
	ServerName                string        `mapstructure:"serverName" json:"serverName"`
	NodeID                    string        `mapstructure:"nodeId" json:"nodeId"`
	NodeName                  string        `mapstructure:"nodeName" json:"nodeName"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("iam")
	return v
}

// LoadServer reads and decodes an iamserver JSON config file.
func LoadServer(path string) (*ServerConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := defaultServerConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadAgent reads and decodes an iamagent JSON config file.
func LoadAgent(path string) (*AgentConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := defaultAgentConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		IAMPublicServerURL:    ":8089",
		IAMProtectedServerURL: ":8090",
		EventBus:              "local",
		RateLimitRPS:          50,
		OpsListenAddr:         ":8091",
	}
}

func defaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		NodeReconnectInterval: 5 * time.Second,
	}
}
