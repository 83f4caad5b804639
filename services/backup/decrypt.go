package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"etcdsafe/pkg/checksum"
	"etcdsafe/pkg/envelope"
)

// DecryptOptions configure the restore-helper decrypt path.
type DecryptOptions struct {
	Input  string
	Output string
	// Method is the configured method name, or "auto" / empty to detect
	// from the input extension.
	Method string
	// SidecarPath overrides sidecar auto-detection.
	SidecarPath string
	// NoVerify skips checksum verification. Explicit opt-in only; the
	// skip is logged loudly.
	NoVerify bool
}

// DecryptFile decrypts a downloaded artifact and verifies its plaintext
// against the .sha256 sidecar. Verification failures return
// checksum.ErrMismatch; decryption failures return envelope errors.
func DecryptFile(ctx context.Context, codec *envelope.Codec, cred envelope.Credential, opts DecryptOptions, logger zerolog.Logger) error {
	if opts.Input == "" || opts.Output == "" {
		return errors.New("input and output paths are required")
	}

	method, err := resolveMethod(opts.Method, opts.Input, logger)
	if err != nil {
		return err
	}

	ciphertext, err := os.ReadFile(opts.Input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	plaintext, err := codec.Decrypt(ctx, ciphertext, method, cred)
	if err != nil {
		return err
	}
	if len(plaintext) == 0 {
		return fmt.Errorf("%w: decryption produced empty output", envelope.ErrDecryption)
	}

	if opts.NoVerify {
		logger.Warn().Msg("checksum verification SKIPPED by request (--no-verify); the artifact is unverified")
	} else {
		expected, ok, err := loadExpectedDigest(opts, method, logger)
		if err != nil {
			return err
		}
		if ok {
			if err := checksum.Verify(plaintext, expected); err != nil {
				return err
			}
			logger.Info().Str("checksum", expected).Msg("plaintext checksum verified")
		} else {
			logger.Warn().Msg("no .sha256 sidecar found: checksum verification skipped")
		}
	}

	if err := os.WriteFile(opts.Output, plaintext, 0o600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Info().Str("output", opts.Output).Int("bytes", len(plaintext)).Msg("decryption successful")
	return nil
}

func resolveMethod(name, input string, logger zerolog.Logger) (envelope.Method, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "auto" {
		method := envelope.DetectMethod(input)
		logger.Info().Str("method", string(method)).Msg("auto-detected encryption method from extension")
		return method, nil
	}
	return envelope.ParseMethod(trimmed)
}

// loadExpectedDigest reads the sidecar, either at the explicit path or
// next to the input with the method extension stripped.
func loadExpectedDigest(opts DecryptOptions, method envelope.Method, logger zerolog.Logger) (string, bool, error) {
	path := opts.SidecarPath
	if path == "" {
		path = strings.TrimSuffix(opts.Input, method.Ext()) + ".sha256"
		if _, err := os.Stat(path); err != nil {
			return "", false, nil
		}
		logger.Info().Str("sidecar", path).Msg("auto-detected checksum sidecar")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("read sidecar: %w", err)
	}
	digest, err := checksum.ParseSidecar(data)
	if err != nil {
		return "", false, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	return digest, true, nil
}
