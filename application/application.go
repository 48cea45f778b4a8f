package application

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	zlog "github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
	zviper "github.com/lk2023060901/warp-hub-go/pkg/util/viper"
)

const (
	DefaultConfigPath = "./config.yaml"
	// ConfigPathEnv 指定配置文件路径，优先级低于 --config 参数。
	ConfigPathEnv = EnvPrefix + "_CONFIG_FILE_PATH"
)

// Application 是 hubd 的运行时容器：负责定位配置文件、初始化日志并提供类型化配置。
type Application struct {
	raw *zviper.Config
	cfg *Config
}

func New() *Application {
	return &Application{}
}

// Run 解析 os.Args 加载配置，随后按 log 段初始化全局日志。
// 配置文件路径的优先级：
//  1. 默认 ./config.yaml（不存在时只使用缺省值与环境变量）
//  2. 环境变量 WARP_CONFIG_FILE_PATH
//  3. 命令行 --config <path> 或 --config=<path>
func (a *Application) Run() error {
	path, explicit, err := resolveConfigPath(os.Args[1:], os.Getenv(ConfigPathEnv))
	if err != nil {
		return err
	}
	raw, cfg, err := Load(path, explicit)
	if err != nil {
		return err
	}
	a.raw, a.cfg = raw, cfg
	return initLogging(&cfg.Log)
}

func (a *Application) Config() *Config {
	return a.cfg
}

// Raw 返回底层的 viper 配置，用于读取类型化配置之外的键。
func (a *Application) Raw() *zviper.Config {
	return a.raw
}

// Load 读取 path 并应用缺省值与 WARP_ 前缀的环境变量覆盖。
// required 为 false 时文件不存在不算错误。
func Load(path string, required bool) (*zviper.Config, *Config, error) {
	raw := zviper.New()
	setDefaults(raw)
	raw.BindEnv(EnvPrefix)

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if err := raw.LoadFile(path); err != nil {
				return nil, nil, errors.Wrapf(err, "load config file %q", path)
			}
		case required || !os.IsNotExist(statErr):
			return nil, nil, errors.Wrapf(statErr, "load config file %q", path)
		}
	}

	cfg := &Config{}
	if err := raw.Unmarshal(cfg); err != nil {
		return nil, nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return raw, cfg, nil
}

// resolveConfigPath 返回配置文件路径，以及该路径是否由使用者显式指定。
func resolveConfigPath(args []string, env string) (string, bool, error) {
	path, explicit := DefaultConfigPath, false
	if env != "" {
		path, explicit = env, true
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", false, merr.WrapErrParameterMissing("--config value")
			}
			path, explicit = args[i+1], true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			path, explicit = val, true
		}
	}
	return path, explicit, nil
}

func initLogging(cfg *zlog.Config) error {
	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}
