package model

import "time"

type TelegramConfig struct {
	BotToken    string `json:"bot_token,omitempty"`
	BotUsername string `json:"bot_username,omitempty"`
	Enabled     bool   `json:"enabled,omitempty"`
}

// SystemConfig is the singleton row (id = 1) holding operator-tunable
// settings, most importantly the default deduction-rate table used by
// accounts without one of their own.
type SystemConfig struct {
	ID                    int                `db:"id" json:"id"`
	SiteName              *string            `db:"site_name" json:"site_name,omitempty"`
	MaintenanceMode       bool               `db:"maintenance_mode" json:"maintenance_mode"`
	DefaultDeductionRates DeductionRateTable `db:"default_deduction_rates" json:"default_deduction_rates"`
	TelegramConfig        TelegramConfig     `db:"telegram_config" json:"telegram_config"`
	UpdatedAt             time.Time          `db:"updated_at" json:"updated_at"`
}

// DefaultDeductionRateTable seeds system_configs and backs the cost
// lookup when the row is missing.
func DefaultDeductionRateTable() DeductionRateTable {
	return DeductionRateTable{
		1:  25,
		3:  60,
		7:  120,
		15: 250,
		30: 500,
		60: 900,
	}
}
