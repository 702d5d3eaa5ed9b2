package providers

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/config"
)

// NewHTTPClient returns the client shared by the HTTP based providers.
// Attempt timeouts come from the caller's context, so only connection setup is bounded here.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = time.Minute
	return &http.Client{Transport: transport}
}

// Build creates one provider per definition
func Build(defs []config.ProviderConfig, client *http.Client, logger *slog.Logger) ([]acquisition.Provider, error) {
	if client == nil {
		client = NewHTTPClient()
	}

	providers := make([]acquisition.Provider, 0, len(defs))
	for _, def := range defs {
		var p acquisition.Provider
		switch def.Type {
		case config.ProviderTypeYtdlp:
			p = NewYtdlp(def.Name, def.Format, def.MergeFormat, def.CookiesFile, logger)
		case config.ProviderTypeYouTube:
			p = NewYouTube(def.Name, client, def.MaxFileSize)
		case config.ProviderTypeDirect:
			p = NewDirect(def.Name, client, def.MaxFileSize)
		case config.ProviderTypeCobalt:
			p = NewCobalt(def.Name, def.Endpoint, def.APIKey, client, def.MaxFileSize)
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", def.Name, def.Type)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// NewCoordinator builds the providers and the coordinator from configuration
func NewCoordinator(cfg config.ProvidersConfig, client *http.Client, logger *slog.Logger) (*acquisition.Coordinator, error) {
	providers, err := Build(cfg.Definitions, client, logger)
	if err != nil {
		return nil, err
	}

	categories := make([]acquisition.Category, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categories = append(categories, acquisition.Category{
			Name:      c.Name,
			Hosts:     c.Hosts,
			Providers: c.Providers,
		})
	}

	return acquisition.NewCoordinator(acquisition.CoordinatorConfig{
		Logger:         logger,
		Providers:      providers,
		Categories:     categories,
		Generic:        cfg.Generic,
		Dir:            cfg.DownloadDir,
		AttemptTimeout: cfg.AttemptTimeout,
	})
}

func renameFile(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		_ = os.Remove(from)
		return err
	}
	return nil
}
