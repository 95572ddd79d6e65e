package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"VinoDetServer/decoder"
	"VinoDetServer/engine"

	"go.uber.org/zap"
)

// buildEngine loads, compiles and warms up one model, trying the fallback
// devices in order. A shape mismatch is fatal because no device can fix it.
func buildEngine(ctx context.Context, mc modelConfig, log *zap.Logger) (*engine.Engine, error) {
	devices := append([]string{mc.Device}, mc.Fallback...)
	var errs []error
	for i, device := range devices {
		var affinity map[string]string
		if strings.HasPrefix(strings.ToUpper(device), "HETERO") {
			affinity = mc.Affinity
		}
		e, err := engine.New(engine.Config{
			Name:         mc.Name,
			Architecture: mc.Architecture,
			Model:        mc.Model,
			Labels:       mc.Labels,
			Device:       device,
			Affinity:     affinity,
			Logger:       log,
		})
		if err != nil {
			if errors.As(err, new(*decoder.ModelShapeError)) {
				return nil, err
			}
			log.Warn("engine init failed", zap.String("model", mc.Name), zap.String("device", device), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if err := e.Compile(); err != nil {
			log.Warn("engine compile failed", zap.String("model", mc.Name), zap.String("device", device), zap.Error(err))
			e.Destroy()
			errs = append(errs, err)
			continue
		}
		if err := e.Warmup(ctx, mc.Warmup); err != nil {
			log.Warn("engine warmup failed", zap.String("model", mc.Name), zap.String("device", device), zap.Error(err))
			e.Destroy()
			errs = append(errs, err)
			continue
		}
		if i > 0 {
			log.Warn("model running on fallback device", zap.String("model", mc.Name), zap.String("device", device))
		}
		return e, nil
	}
	return nil, fmt.Errorf("model %s: %w", mc.Name, errors.Join(errs...))
}

// loadEngines builds every configured model into reg. On error the models
// loaded so far stay in reg for the caller to close.
func loadEngines(ctx context.Context, cfg configStruct, reg *engine.Registry, log *zap.Logger) error {
	for _, mc := range cfg.Models {
		e, err := buildEngine(ctx, mc, log)
		if err != nil {
			return err
		}
		if err := reg.Add(mc.Name, e); err != nil {
			e.Destroy()
			return err
		}
		cfgView := e.CheckConfig()
		log.Info("model ready",
			zap.String("model", mc.Name),
			zap.String("architecture", cfgView.Architecture),
			zap.String("device", cfgView.Device))
	}
	return nil
}
