// Package appid resolves the application identity used for config paths,
// environment prefixes and telemetry namespaces.
package appid

import (
	"context"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"
)

// Built-in identity, used unless an explicit identity file is configured.
const (
	BinaryName  = "aoaisim"
	EnvPrefix   = "AOAISIM_"
	ConfigName  = "aoaisim"
	Description = "Azure OpenAI and Document Intelligence API simulator"
)

// Get returns the application identity. FULMEN_APP_IDENTITY_PATH remains
// authoritative when set.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	if strings.TrimSpace(os.Getenv(appidentity.EnvIdentityPath)) != "" {
		return appidentity.Get(ctx)
	}
	return &appidentity.Identity{
		BinaryName:  BinaryName,
		EnvPrefix:   EnvPrefix,
		ConfigName:  ConfigName,
		Description: Description,
	}, nil
}
