package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"prop-engine/pkg/config"
)

// paramsFile is the optional strategies.yaml layout: shared defaults plus
// per-symbol overrides.
type paramsFile struct {
	OvernightRange struct {
		Defaults Params            `yaml:"defaults"`
		Symbols  map[string]Params `yaml:"symbols"`
	} `yaml:"overnight-range"`
}

// DefaultParams derives a symbol's parameters from the environment config.
func DefaultParams(cfg *config.Config, symbol string) Params {
	return Params{
		Symbol:           symbol,
		PositionSize:     cfg.PositionSize,
		OvernightStart:   cfg.OvernightStart,
		OvernightEnd:     cfg.OvernightEnd,
		EODExit:          cfg.EODExitTime,
		Timezone:         cfg.Timezone,
		ATRPeriod:        cfg.ATRPeriod,
		ATRTimeframe:     cfg.ATRTimeframe,
		StopMultiplier:   cfg.StopATRMultiplier,
		TargetMultiplier: cfg.TargetATRMult,
		RangeBreakOffset: cfg.RangeBreakOffset,
	}
}

// LoadParams builds the per-symbol parameter set. A strategies.yaml at path
// overlays the environment defaults; a missing file is not an error.
func LoadParams(cfg *config.Config, path string) ([]Params, error) {
	base := make([]Params, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		base = append(base, DefaultParams(cfg, sym))
	}
	if path == "" {
		return base, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file paramsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range base {
		base[i] = overlay(base[i], file.OvernightRange.Defaults)
		if perSym, ok := file.OvernightRange.Symbols[base[i].Symbol]; ok {
			base[i] = overlay(base[i], perSym)
		}
	}
	return base, nil
}

// overlay applies every non-zero field of src on top of dst.
func overlay(dst, src Params) Params {
	if src.PositionSize > 0 {
		dst.PositionSize = src.PositionSize
	}
	if src.OvernightStart != "" {
		dst.OvernightStart = src.OvernightStart
	}
	if src.OvernightEnd != "" {
		dst.OvernightEnd = src.OvernightEnd
	}
	if src.EODExit != "" {
		dst.EODExit = src.EODExit
	}
	if src.Timezone != "" {
		dst.Timezone = src.Timezone
	}
	if src.ATRPeriod > 0 {
		dst.ATRPeriod = src.ATRPeriod
	}
	if src.ATRTimeframe != "" {
		dst.ATRTimeframe = src.ATRTimeframe
	}
	if src.StopMultiplier > 0 {
		dst.StopMultiplier = src.StopMultiplier
	}
	if src.TargetMultiplier > 0 {
		dst.TargetMultiplier = src.TargetMultiplier
	}
	if src.RangeBreakOffset > 0 {
		dst.RangeBreakOffset = src.RangeBreakOffset
	}
	if src.Gates != (Gates{}) {
		dst.Gates = src.Gates
	}
	return dst
}
