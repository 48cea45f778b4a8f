package application

import (
	"time"

	"github.com/blang/semver/v4"

	"github.com/lk2023060901/warp-hub-go/internal/hub"
	"github.com/lk2023060901/warp-hub-go/internal/network/session"
	"github.com/lk2023060901/warp-hub-go/internal/storage"
	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	zlog "github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
	zviper "github.com/lk2023060901/warp-hub-go/pkg/util/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 WARP_SERVER_LISTEN。
const EnvPrefix = "WARP"

// Config 是 hubd 的完整配置。
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Hub     HubConfig      `mapstructure:"hub"`
	Storage storage.Config `mapstructure:"storage"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Log     zlog.Config    `mapstructure:"log"`
}

type ServerConfig struct {
	Listen           string        `mapstructure:"listen"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	MaxPacketSize    int32         `mapstructure:"maxPacketSize"`
	MaxUsers         int           `mapstructure:"maxUsers"`
	// MinClientVersion 为空时不检查客户端版本。
	MinClientVersion string `mapstructure:"minClientVersion"`
}

// UINConfig 是配置文件中的 UIN 写法：{id, kind}。
type UINConfig struct {
	ID   uint32 `mapstructure:"id"`
	Kind uint16 `mapstructure:"kind"`
}

func (u UINConfig) UIN() types.UIN {
	return types.NewUIN(u.ID, types.Kind(u.Kind))
}

type HubConfig struct {
	ServerUIN            UINConfig     `mapstructure:"serverUIN"`
	SystemUIN            UINConfig     `mapstructure:"systemUIN"`
	SystemNickname       string        `mapstructure:"systemNickname"`
	AllowRegistration    bool          `mapstructure:"allowRegistration"`
	RegistrationAttempts uint          `mapstructure:"registrationAttempts"`
	MaxMessageSize       int           `mapstructure:"maxMessageSize"`
	PingTimeout          time.Duration `mapstructure:"pingTimeout"`
	SpooledChannels      []string      `mapstructure:"spooledChannels"`
	PoolSize             int           `mapstructure:"poolSize"`
	BotPoolSize          int           `mapstructure:"botPoolSize"`
}

type MetricsConfig struct {
	// Listen 为空时不启动 HTTP 服务。
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *zviper.Config) {
	v.SetDefault("server.listen", "0.0.0.0:49152")
	v.SetDefault("server.handshakeTimeout", session.DefaultHandshakeTimeout)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.maxPacketSize", 1<<20)
	v.SetDefault("server.maxUsers", 0)
	v.SetDefault("server.minClientVersion", "")

	v.SetDefault("hub.serverUIN.id", hub.DefaultServerUIN.ID())
	v.SetDefault("hub.serverUIN.kind", uint16(hub.DefaultServerUIN.Kind()))
	v.SetDefault("hub.systemUIN.id", hub.DefaultSystemUIN.ID())
	v.SetDefault("hub.systemUIN.kind", uint16(hub.DefaultSystemUIN.Kind()))
	v.SetDefault("hub.systemNickname", "system")
	v.SetDefault("hub.allowRegistration", true)
	v.SetDefault("hub.registrationAttempts", userdata.DefaultRegistrationAttempts)
	v.SetDefault("hub.maxMessageSize", hub.DefaultMaxMessageSize)
	v.SetDefault("hub.pingTimeout", time.Duration(0))
	v.SetDefault("hub.spooledChannels", hub.DefaultSpooledChannels)
	v.SetDefault("hub.poolSize", 64)
	v.SetDefault("hub.botPoolSize", 4)

	v.SetDefault("storage.driver", storage.DriverMemory)
	v.SetDefault("storage.boltPath", "warp.db")
	v.SetDefault("storage.postgresDSN", "")
	v.SetDefault("storage.connectAttempts", storage.DefaultConnectAttempts)

	v.SetDefault("metrics.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.rootpath", "")
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.rateLimit.creditPerSecond", 0.0)
	v.SetDefault("log.rateLimit.maxBalance", 0.0)
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return merr.WrapErrParameterMissing("server.listen")
	}
	if c.Hub.ServerUIN.UIN() == c.Hub.SystemUIN.UIN() {
		return merr.WrapErrParameterInvalidMsg("hub.serverUIN and hub.systemUIN must differ")
	}
	if c.Hub.ServerUIN.UIN().IsZero() || c.Hub.SystemUIN.UIN().IsZero() {
		return merr.WrapErrParameterInvalidMsg("hub identities must be non-zero")
	}
	if _, err := c.ClientVersion(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverBolt, storage.DriverPostgres:
	default:
		return merr.WrapErrParameterInvalidMsg("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// ClientVersion 解析 server.minClientVersion，为空时返回 nil。
func (c *Config) ClientVersion() (*semver.Version, error) {
	if c.Server.MinClientVersion == "" {
		return nil, nil
	}
	v, err := semver.ParseTolerant(c.Server.MinClientVersion)
	if err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("server.minClientVersion: %s", err.Error())
	}
	return &v, nil
}

func (c *Config) HubConfig() hub.Config {
	return hub.Config{
		ServerUIN:         c.Hub.ServerUIN.UIN(),
		SystemUIN:         c.Hub.SystemUIN.UIN(),
		SystemNickname:    c.Hub.SystemNickname,
		AllowRegistration: c.Hub.AllowRegistration,
		MaxUsers:          c.Server.MaxUsers,
		MaxMessageSize:    c.Hub.MaxMessageSize,
		SpooledChannels:   c.Hub.SpooledChannels,
		PoolSize:          c.Hub.PoolSize,
	}
}

func (c *Config) CacheConfig() userdata.Config {
	return userdata.Config{
		RegistrationAttempts: c.Hub.RegistrationAttempts,
		NewUserKind:          types.KindRegular,
	}
}

// SessionConfig 在 Validate 之后调用。
func (c *Config) SessionConfig() session.Config {
	v, _ := c.ClientVersion()
	return session.Config{
		HandshakeTimeout: c.Server.HandshakeTimeout,
		WriteTimeout:     c.Server.WriteTimeout,
		MaxPacketSize:    c.Server.MaxPacketSize,
		MinClientVersion: v,
		PingTimeout:      c.Hub.PingTimeout,
	}
}
