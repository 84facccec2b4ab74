package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	handlerConfig "github.com/iurnickita/ordersync/internal/handler/config"
	loggerConfig "github.com/iurnickita/ordersync/internal/logger/config"
	serviceConfig "github.com/iurnickita/ordersync/internal/service/config"
	storeConfig "github.com/iurnickita/ordersync/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config `mapstructure:"handler"`
	Service serviceConfig.Config `mapstructure:"service"`
	Store   storeConfig.Config   `mapstructure:"store"`
	Logger  loggerConfig.Config  `mapstructure:"logger"`
}

// Переменные окружения: ORDERSYNC_STORE_DSN, ORDERSYNC_LOGGER_LEVEL и т.д.
const envPrefix = "ORDERSYNC"

const (
	defaultPageSize   = 50
	defaultAPIVersion = "V1"
)

// GetConfig читает конфигурацию: значения по умолчанию, затем YAML файл (если задан),
// затем переменные окружения. Магазины задаются только в файле.
func GetConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.Service.Stores {
		st := &cfg.Service.Stores[i]
		if st.PageSize == 0 {
			st.PageSize = defaultPageSize
		}
		if st.APIVersion == "" {
			st.APIVersion = defaultAPIVersion
		}
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("handler.address", ":8080")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("service.timeout", 30*time.Second)
	v.SetDefault("service.attempts", 3)
	v.SetDefault("service.retry_wait", 500*time.Millisecond)
	v.SetDefault("service.concurrency", 4)
}
