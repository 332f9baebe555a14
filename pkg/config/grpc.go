package config

import "fmt"

// GRPCConfig содержит настройки gRPC сервера (health, внутренние вызовы).
type GRPCConfig struct {
	Host string `env:"GRPC_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"GRPC_PORT" envDefault:"50052"`
}

// Addr возвращает адрес gRPC сервера.
func (c GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPConfig содержит настройки HTTP API.
type HTTPConfig struct {
	Host            string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            int    `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeoutSec  int    `env:"HTTP_READ_TIMEOUT_SEC" envDefault:"10"`
	WriteTimeoutSec int    `env:"HTTP_WRITE_TIMEOUT_SEC" envDefault:"10"`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
