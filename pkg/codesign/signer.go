package codesign

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aluedeke/go-appbundler/pkg/macos"
)

// ErrSigningFailure is returned when a binary could not be signed. A bundle
// with a failed signature must not be published.
var ErrSigningFailure = errors.New("code signing failed")

// Request describes one binary to sign.
type Request struct {
	// Identifier is the code signing identifier, normally the bundle id.
	Identifier string
	// Entitlements is the path of an entitlements plist, or empty.
	Entitlements string
	// Main is set for the bundle's main executable.
	Main bool
}

// Signer signs a single binary in place.
type Signer interface {
	Sign(ctx context.Context, path string, req Request) error
}

// ToolSigner signs with Apple's codesign using a keychain identity, with the
// hardened runtime and a secure timestamp.
type ToolSigner struct {
	Runner   macos.Runner
	Identity string
}

func (s ToolSigner) Sign(ctx context.Context, path string, req Request) error {
	args := []string{"-s", s.Identity, "-i", req.Identifier, "--timestamp", "--options=runtime", "--force"}
	if req.Entitlements != "" {
		args = append(args, "--entitlements", req.Entitlements)
	}
	args = append(args, path)
	if _, err := s.Runner.Run(ctx, nil, "codesign", args...); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSigningFailure, path, err)
	}
	return nil
}

// NativeSigner signs in-process with a PKCS#12 identity. Entitlements are
// only embedded into the main executable.
type NativeSigner struct {
	Identity *SigningIdentity
}

func (s NativeSigner) Sign(ctx context.Context, path string, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !IsMachO(path) {
		return nil
	}

	var entitlements []byte
	if req.Main && req.Entitlements != "" {
		data, err := LoadEntitlements(req.Entitlements)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSigningFailure, err)
		}
		entitlements = data
	}
	if err := SignMachO(path, s.Identity, entitlements, req.Identifier); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSigningFailure, path, err)
	}
	return nil
}

// LoadNativeSigner reads a PKCS#12 file, or a PEM private key whose
// certificate is taken from profile, for NativeSigner.
func LoadNativeSigner(p12Path, password string, profile *ProvisioningProfile) (NativeSigner, error) {
	data, err := os.ReadFile(p12Path)
	if err != nil {
		return NativeSigner{}, fmt.Errorf("failed to read P12 file: %w", err)
	}
	identity, err := LoadSigningIdentity(data, password)
	if err != nil {
		return NativeSigner{}, err
	}
	if identity.Certificate == nil {
		if profile == nil {
			return NativeSigner{}, fmt.Errorf("%s holds a private key without a certificate", p12Path)
		}
		if err := identity.AttachProfileCertificate(profile); err != nil {
			return NativeSigner{}, err
		}
	}
	return NativeSigner{Identity: identity}, nil
}
