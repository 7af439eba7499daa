// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sassoftware/viya-pdf-core/logger"
)

// ParsingMode selects how the reader reacts to structural damage.
// In strict mode a broken cross-reference chain fails the open; in
// best-effort mode the reader falls back to scanning and rebuilding.
type ParsingMode string

const (
	ModeStrict     ParsingMode = "strict"
	ModeBestEffort ParsingMode = "best-effort"
)

type Config struct {
	Mode           ParsingMode   `validate:"oneof=strict best-effort"`
	MaxWorkers     int           `validate:"min=1,max=64"`
	ResolveTimeout time.Duration `validate:"required"`
	DebugOn        bool
	Logger         logger.LogFunc
}

func DefaultConfig() Config {
	return Config{
		Mode:           ModeBestEffort,
		MaxWorkers:     4,
		ResolveTimeout: 30 * time.Second,
	}
}

func (cfg Config) Validate() error {
	logger.Debug("Validating Config Object")
	if cfg.Logger != nil {
		logger.SetLogger(cfg.Logger)
	} else if cfg.DebugOn {
		logger.SetLogger(logger.Console)
	}
	validate := validator.New()
	return validate.Struct(cfg)
}
