package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// SecretStrength represents the strength level of a secret.
type SecretStrength int

const (
	SecretStrengthWeak SecretStrength = iota
	SecretStrengthMedium
	SecretStrengthStrong
)

// Placeholder values that must never reach production.
var commonPlaceholders = []string{
	"changeme",
	"changeme_in_production",
	"your_api_key",
	"your_secret",
	"test",
	"test123",
	"password",
	"secret",
	"example",
	"sample",
	"demo",
	"default",
	"signalforge",
}

var commonWeakPasswords = []string{
	"123456",
	"password",
	"12345678",
	"qwerty",
	"abc123",
	"letmein",
	"trustno1",
	"passw0rd",
	"123123",
	"654321",
}

// SecretValidationResult contains the result of secret validation.
type SecretValidationResult struct {
	IsValid  bool
	Strength SecretStrength
	Errors   []string
}

// ValidateSecret validates a secret for strength. requireStrong is set
// for production deployments; a weak secret then refuses startup.
func ValidateSecret(secret, name string, minLength int, requireStrong bool) SecretValidationResult {
	result := SecretValidationResult{IsValid: true, Strength: SecretStrengthStrong}

	if secret == "" {
		result.IsValid = false
		result.Strength = SecretStrengthWeak
		result.Errors = append(result.Errors, fmt.Sprintf("%s cannot be empty", name))
		return result
	}

	lower := strings.ToLower(secret)
	for _, placeholder := range commonPlaceholders {
		if lower == placeholder || strings.Contains(lower, placeholder) {
			result.IsValid = false
			result.Strength = SecretStrengthWeak
			result.Errors = append(result.Errors, fmt.Sprintf("%s appears to be a placeholder value (%s)", name, placeholder))
			return result
		}
	}
	for _, weak := range commonWeakPasswords {
		if lower == weak {
			result.IsValid = false
			result.Strength = SecretStrengthWeak
			result.Errors = append(result.Errors, fmt.Sprintf("%s is a commonly known weak password", name))
			return result
		}
	}

	if len(secret) < minLength {
		result.IsValid = false
		result.Strength = SecretStrengthWeak
		result.Errors = append(result.Errors, fmt.Sprintf("%s must be at least %d characters (got %d)", name, minLength, len(secret)))
		return result
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range secret {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	classes := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			classes++
		}
	}
	switch {
	case classes >= 3:
		result.Strength = SecretStrengthStrong
	case classes == 2:
		result.Strength = SecretStrengthMedium
	default:
		result.Strength = SecretStrengthWeak
	}

	if requireStrong && result.Strength < SecretStrengthMedium {
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("%s is too weak for production use", name))
	}

	return result
}

// SecretResolver resolves named secrets with the precedence
// Vault -> environment -> config file value.
type SecretResolver struct {
	vault     *vault.Client
	mountPath string
	envPrefix string
}

// NewSecretResolver builds a resolver. A nil or disabled Vault config
// skips the Vault tier entirely.
func NewSecretResolver(cfg VaultConfig) (*SecretResolver, error) {
	r := &SecretResolver{mountPath: cfg.MountPath, envPrefix: "SIGNALFORGE_"}

	if !cfg.Enabled || cfg.Addr == "" {
		return r, nil
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Addr
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	r.vault = client

	log.Info().Str("addr", cfg.Addr).Str("mount", cfg.MountPath).Msg("Vault secrets manager configured")
	return r, nil
}

// Resolve looks up a secret by name. fileValue is whatever the config
// file carried; it is the last resort.
func (r *SecretResolver) Resolve(ctx context.Context, name, fileValue string) (string, error) {
	if r.vault != nil {
		secret, err := r.vault.Logical().ReadWithContext(ctx, r.mountPath)
		if err != nil {
			log.Warn().Err(err).Str("secret", name).Msg("Vault lookup failed, falling back to environment")
		} else if secret != nil && secret.Data != nil {
			if data, ok := secret.Data["data"].(map[string]interface{}); ok {
				if v, ok := data[name].(string); ok && v != "" {
					return v, nil
				}
			}
		}
	}

	envKey := r.envPrefix + strings.ToUpper(name)
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}

	if fileValue != "" {
		log.Debug().Str("secret", name).Msg("Secret resolved from config file")
		return fileValue, nil
	}

	return "", fmt.Errorf("secret %q not found in vault, environment, or config file", name)
}

// ResolveRequired resolves a secret and enforces strength rules.
// Production refuses to start on weak or placeholder values.
func (r *SecretResolver) ResolveRequired(ctx context.Context, name, fileValue string, production bool) (string, error) {
	value, err := r.Resolve(ctx, name, fileValue)
	if err != nil {
		if production {
			return "", err
		}
		log.Warn().Err(err).Str("secret", name).Msg("Secret missing in development mode")
		return "", nil
	}

	result := ValidateSecret(value, name, 16, production)
	if !result.IsValid {
		if production {
			return "", fmt.Errorf("secret %q failed validation: %s", name, strings.Join(result.Errors, "; "))
		}
		log.Warn().Strs("problems", result.Errors).Str("secret", name).Msg("Weak secret accepted in development mode")
	}
	return value, nil
}
