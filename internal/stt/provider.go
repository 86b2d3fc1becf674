package stt

import (
	"fmt"

	"github.com/clinicflow/relay/internal/errs"
	"github.com/rs/zerolog"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Name          string // "aws" or "deepgram"
	AWSRegion     string
	DeepgramModel string
}

// NewProvider returns the provider named in cfg.
func NewProvider(cfg ProviderConfig, logger zerolog.Logger) (Provider, error) {
	switch cfg.Name {
	case transcribeProviderName, "":
		return NewTranscribeProvider(cfg.AWSRegion, logger), nil
	case deepgramProviderName:
		return NewDeepgramProvider(cfg.DeepgramModel, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownProvider, cfg.Name)
	}
}
