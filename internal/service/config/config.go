package config

import "time"

// StoreConfig - подключение к одному удаленному магазину
type StoreConfig struct {
	Code            string        `mapstructure:"code" validate:"required,alphanumunicode"`
	TenantID        int64         `mapstructure:"tenant_id" validate:"gt=0"`
	StoreID         int64         `mapstructure:"store_id" validate:"gt=0"`
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	Token           string        `mapstructure:"token" validate:"required"`
	APIVersion      string        `mapstructure:"api_version"`
	DefaultCurrency string        `mapstructure:"default_currency" validate:"omitempty,len=3"`
	Timezone        string        `mapstructure:"timezone" validate:"omitempty,timezone"`
	PageSize        int           `mapstructure:"page_size" validate:"min=1,max=100"`
	SyncWindow      time.Duration `mapstructure:"sync_window" validate:"min=0"`
}

type Config struct {
	Stores      []StoreConfig `mapstructure:"stores" validate:"unique=Code,dive"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"min=0"`
	Attempts    int           `mapstructure:"attempts" validate:"min=1"`
	RetryWait   time.Duration `mapstructure:"retry_wait" validate:"min=0"`
	Concurrency int           `mapstructure:"concurrency" validate:"min=1"`
}
