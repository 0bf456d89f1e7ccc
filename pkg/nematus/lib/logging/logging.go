// Copyright 2026 The Nematus Go Authors.
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

// Package logging builds the process-wide zap logger from configuration.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names a logging level (debug, info, warn, error).
type Level string

// Style names a logging output style.
type Style string

const (
	StyleTerminal Style = "terminal"
	StyleJSON     Style = "json"
	StyleNoop     Style = "noop"
)

// Config holds logger configuration.
type Config struct {
	Level Level
	Style Style
}

// NewLogger builds a zap logger writing to stderr. Unknown levels fall
// back to info; unknown styles fall back to the terminal console encoder.
func NewLogger(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Style == StyleNoop {
		return zap.NewNop()
	}

	level, err := zapcore.ParseLevel(string(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	switch cfg.Style {
	case StyleJSON:
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	return zap.New(core)
}
