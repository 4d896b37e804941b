// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"crypto/tls"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/lock"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "CALLSFU_"

	StatsUpdateInterval = time.Second * 10
)

var (
	ErrInvalidPortRange  = errors.New("sfu.rtc_min_port must be lower than sfu.rtc_max_port")
	ErrPortRangeTooSmall = errors.New("port range must give each worker at least one port")
	ErrNoWorkers         = errors.New("sfu.num_workers must be positive")
	ErrNoCodecs          = errors.New("sfu.codecs must not be empty")
	ErrInvalidBatchSize  = errors.New("match.batch_size must be at least 2")
	ErrNoGameTypes       = errors.New("match.game_types must not be empty")
)

type Config struct {
	Port           uint32        `yaml:"port,omitempty"`
	BindAddresses  []string      `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32        `yaml:"prometheus_port,omitempty"`
	Redis          RedisConfig   `yaml:"redis,omitempty"`
	SFU            SFUConfig     `yaml:"sfu,omitempty"`
	Call           CallConfig    `yaml:"call,omitempty"`
	Match          MatchConfig   `yaml:"match,omitempty"`
	Lock           LockConfig    `yaml:"lock,omitempty"`
	Signal         SignalConfig  `yaml:"signal,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`
	Development    bool          `yaml:"development,omitempty"`
}

type RedisConfig struct {
	Address          string   `yaml:"address,omitempty"`
	Username         string   `yaml:"username,omitempty"`
	Password         string   `yaml:"password,omitempty"`
	DB               int      `yaml:"db,omitempty"`
	UseTLS           bool     `yaml:"use_tls,omitempty"`
	ClusterAddresses []string `yaml:"cluster_addresses,omitempty"`
}

type SFUConfig struct {
	NumWorkers int    `yaml:"num_workers,omitempty"`
	RTCMinPort uint32 `yaml:"rtc_min_port,omitempty"`
	RTCMaxPort uint32 `yaml:"rtc_max_port,omitempty"`
	// ListenIPs restricts ICE gathering to these local addresses.
	ListenIPs []string `yaml:"listen_ips,omitempty"`
	// NodeIP is announced in ICE candidates. Resolved from the interfaces or STUN when empty.
	NodeIP        string        `yaml:"node_ip,omitempty"`
	UseExternalIP bool          `yaml:"use_external_ip,omitempty"`
	STUNServers   []string      `yaml:"stun_servers,omitempty"`
	GatherTimeout time.Duration `yaml:"gather_timeout,omitempty"`
	Codecs        []CodecSpec   `yaml:"codecs,omitempty"`
	// IncludeLoopback offers loopback candidates, for clients on the same host.
	IncludeLoopback bool `yaml:"include_loopback,omitempty"`
}

type CodecSpec struct {
	Mime     string `yaml:"mime,omitempty"`
	FmtpLine string `yaml:"fmtp_line,omitempty"`
}

type CallConfig struct {
	// RequestTTL bounds how long a call request waits for an answer.
	RequestTTL time.Duration `yaml:"request_ttl,omitempty"`
	// BackupTTL outlives RequestTTL so the request is still readable when the primary key expires.
	BackupTTL time.Duration `yaml:"backup_ttl,omitempty"`
	// ActiveTTL bounds the lifetime of an accepted call record.
	ActiveTTL time.Duration `yaml:"active_ttl,omitempty"`
	Lock      lock.Options  `yaml:"lock,omitempty"`
}

type MatchConfig struct {
	GameTypes     []string      `yaml:"game_types,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty"`
	Window        time.Duration `yaml:"window,omitempty"`
	CheckInterval time.Duration `yaml:"check_interval,omitempty"`
	RecordTTL     time.Duration `yaml:"record_ttl,omitempty"`
	Lock          lock.Options  `yaml:"lock,omitempty"`
}

type LockConfig struct {
	WorkerSelect lock.Options `yaml:"worker_select,omitempty"`
	Router       lock.Options `yaml:"router,omitempty"`
}

type SignalConfig struct {
	MaxConcurrentHandlers int           `yaml:"max_concurrent_handlers,omitempty"`
	MessageBufferSize     int           `yaml:"message_buffer_size,omitempty"`
	PingInterval          time.Duration `yaml:"ping_interval,omitempty"`
	PongTimeout           time.Duration `yaml:"pong_timeout,omitempty"`
	WriteTimeout          time.Duration `yaml:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline" config:"allowempty"`
	PionLevel     string `yaml:"pion_level,omitempty"`
	// ComponentLevels overrides the level of single pion scopes, e.g. ice: debug
	ComponentLevels map[string]string `yaml:"component_levels,omitempty"`
}

var DefaultConfig = Config{
	Port:           7880,
	PrometheusPort: 0,
	SFU: SFUConfig{
		NumWorkers:    4,
		RTCMinPort:    40000,
		RTCMaxPort:    49999,
		GatherTimeout: 5 * time.Second,
		STUNServers:   DefaultStunServers,
		Codecs: []CodecSpec{
			{Mime: "audio/opus"},
			{Mime: "video/VP8"},
			{Mime: "video/H264", FmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
		},
	},
	Call: CallConfig{
		RequestTTL: 15 * time.Second,
		BackupTTL:  25 * time.Second,
		ActiveTTL:  time.Hour,
		Lock: lock.Options{
			TTL:        5 * time.Second,
			RetryDelay: 50 * time.Millisecond,
			MaxRetries: 40,
		},
	},
	Match: MatchConfig{
		GameTypes:     []string{"default"},
		BatchSize:     5,
		Window:        5 * time.Minute,
		CheckInterval: time.Second,
		RecordTTL:     24 * time.Hour,
		Lock: lock.Options{
			TTL:        5 * time.Second,
			RetryDelay: 100 * time.Millisecond,
			MaxRetries: 1,
		},
	},
	Lock: LockConfig{
		WorkerSelect: lock.Options{
			TTL:        3 * time.Second,
			RetryDelay: 50 * time.Millisecond,
			MaxRetries: 20,
		},
		Router: lock.Options{
			TTL:        10 * time.Second,
			RetryDelay: 100 * time.Millisecond,
			MaxRetries: 10,
		},
	},
	Signal: SignalConfig{
		MaxConcurrentHandlers: 64,
		MessageBufferSize:     200,
		PingInterval:          10 * time.Second,
		PongTimeout:           30 * time.Second,
		WriteTimeout:          5 * time.Second,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.SFU.Validate(conf.Development); err != nil {
		return nil, fmt.Errorf("could not validate SFU config: %v", err)
	}
	if err := conf.Match.Validate(); err != nil {
		return nil, fmt.Errorf("could not validate match config: %v", err)
	}
	if conf.Call.BackupTTL < conf.Call.RequestTTL {
		conf.Call.BackupTTL = 2 * conf.Call.RequestTTL
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	for scope, level := range conf.Logging.ComponentLevels {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q for %s", level, scope)
		}
	}

	return &conf, nil
}

func (s *SFUConfig) Validate(development bool) error {
	if development {
		s.NumWorkers = 1
		s.IncludeLoopback = true
	}
	if s.NumWorkers <= 0 {
		return ErrNoWorkers
	}
	if s.RTCMinPort >= s.RTCMaxPort {
		return ErrInvalidPortRange
	}
	if int(s.RTCMaxPort-s.RTCMinPort)+1 < s.NumWorkers {
		return ErrPortRangeTooSmall
	}
	if len(s.Codecs) == 0 {
		return ErrNoCodecs
	}
	if s.NodeIP == "" {
		ip, err := s.determineIP()
		if err != nil {
			return err
		}
		s.NodeIP = ip
	}
	return nil
}

func (m *MatchConfig) Validate() error {
	if len(m.GameTypes) == 0 {
		return ErrNoGameTypes
	}
	if m.BatchSize < 2 {
		return ErrInvalidBatchSize
	}
	return nil
}

// GetRedisClient returns nil when no redis address is configured.
func GetRedisClient(conf *RedisConfig) (redis.UniversalClient, error) {
	if conf == nil || (conf.Address == "" && len(conf.ClusterAddresses) == 0) {
		return nil, nil
	}

	var tlsConfig *tls.Config
	if conf.UseTLS {
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	addrs := conf.ClusterAddresses
	if len(addrs) == 0 {
		addrs = []string{conf.Address}
	}
	logger.Infow("using redis", "addr", addrs)

	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  conf.Username,
		Password:  conf.Password,
		DB:        conf.DB,
		TLSConfig: tlsConfig,
	}), nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && yamlTagArray[1] == "inline"
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		envVars := []string{envVarPrefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))}

		var flag cli.Flag
		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.String:
			flag = &cli.StringFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
			} else {
				flag = &cli.Int64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Slice:
			if value.Type().Elem().Kind() != reflect.String {
				continue
			}
			flag = &cli.StringSliceFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Map, reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		case reflect.Slice:
			configValue.Set(reflect.ValueOf(c.StringSlice(flagName)))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("node-ip") {
		conf.SFU.NodeIP = c.String("node-ip")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "call-sfu")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "call-sfu")
}
