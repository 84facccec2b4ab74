package config

type Config struct {
	ServerAddr string `mapstructure:"address" validate:"required,hostname_port"`
}
