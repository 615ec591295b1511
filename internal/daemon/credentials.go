package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepwire/stepwire/internal/config"
	"github.com/stepwire/stepwire/pkg/registry"
)

const tokenRequestTimeout = 15 * time.Second

// buildCredentialSource returns the lazy token acquirer for the downstream
// API, or nil when no token endpoint is configured.
func buildCredentialSource(cfg config.DownstreamConfig, logger zerolog.Logger) registry.CredentialSource {
	if cfg.TokenURL == "" {
		return nil
	}

	client := &http.Client{Timeout: tokenRequestTimeout}

	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{
			"login":    cfg.Login,
			"password": cfg.Password,
		})
		if err != nil {
			return "", fmt.Errorf("failed to encode token request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("failed to build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to call token endpoint: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, payload)
		}

		var tokenResp struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
			return "", fmt.Errorf("failed to decode token response: %w", err)
		}
		if tokenResp.Token == "" {
			return "", fmt.Errorf("token endpoint returned an empty token")
		}

		logger.Info().Str("url", cfg.TokenURL).Msg("Downstream token acquired")
		return tokenResp.Token, nil
	}
}
