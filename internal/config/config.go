package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

func (c *DBCredential) Dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Address, c.Port, c.User, c.Password, c.Database)
}

// GetRedisAddress formats the redis connection address.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// Configuration struct
type Configuration struct {
	LogLevel        int          `yaml:"log_level"`
	SentryDSN       string       `yaml:"sentry_dsn"`
	HTTPListenAddr  string       `yaml:"http_listen_addr"`
	RedisCredential DBCredential `yaml:"redis"`
	Postgres        DBCredential `yaml:"postgres"`
	KafkaServer     string       `yaml:"kafka-server"`
	Bridge          Bridge       `yaml:"bridge"`
	TonAPI          ChainAPI     `yaml:"tonapi"`
}

// ChainAPI holds the credentials of one chain backend API.
type ChainAPI struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Bridge holds the dapp connection bridge settings.
type Bridge struct {
	// Relay endpoint for the encrypted event-stream transport,
	// e.g. https://bridge.stellawallet.io/bridge/
	SSEBridgeURL string `yaml:"sse_bridge_url"`
	// Whether the runtime supports long-lived remote streams at all.
	SSEEnabled bool `yaml:"sse_enabled"`
	// Relay host for v1 websocket pairing; empty picks a random shard.
	WalletConnectBridgeURL string `yaml:"walletconnect_bridge_url"`
	// Universal link prefix advertised for remote pairing.
	UniversalURL string `yaml:"universal_url"`
	// Seconds a user has to approve a connect/sign/transaction request.
	ApprovalTimeoutSec int `yaml:"approval_timeout_sec"`
	// TTL for relayed messages, seconds.
	MessageTTLSec int `yaml:"message_ttl_sec"`
	// Show a transient loader while the remote stream reconnects.
	ShowLoaderOnRemoteStart bool `yaml:"show_loader_on_remote_start"`
}

// ApprovalTimeout returns the confirmation deadline as a duration.
func (b *Bridge) ApprovalTimeout() time.Duration {
	if b.ApprovalTimeoutSec <= 0 {
		return time.Minute
	}
	return time.Duration(b.ApprovalTimeoutSec) * time.Second
}

func readConfig(path string) (Configuration, error) {
	logrus.Info("Starting to load configuration file ...")
	dat, err := ioutil.ReadFile(path)
	if err != nil {
		logrus.Fatal(err)
	}
	t := Configuration{}
	err = yaml.Unmarshal(dat, &t)

	if err != nil {
		if os.IsNotExist(err) {
			logrus.Fatalf("file %s does not exist", path)
		} else {
			logrus.Fatalf("fail to decode config error: %v", err)
		}
	}
	return t, nil
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	logrus.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := readConfig(*configFilePath)
	if err != nil {
		logrus.Fatal(err)
	}
	Global = &globalConfig
}
