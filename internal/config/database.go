package config

import "github.com/crowka/paycomponent-module-sub000/internal/storepg"

// ToStorePG converts the validated DatabaseConfig into storepg.Config,
// keeping storepg free of a compile-time dependency on this package;
// only cmd/orchestrator wires the two together.
func (c DatabaseConfig) ToStorePG() storepg.Config {
	return storepg.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Name:            c.Name,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
	}
}
