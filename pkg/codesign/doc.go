// Package codesign signs the binaries of a finished application bundle.
//
// Two signers are provided. ToolSigner drives Apple's codesign with a
// keychain identity and is what release builds on macOS use. NativeSigner
// writes the code signature itself from a PKCS#12 identity, so bundles can
// be signed on build machines without a keychain:
//
//	signer, err := codesign.LoadNativeSigner("developer-id.p12", password, nil)
//	if err != nil {
//	    return err
//	}
//	err = signer.Sign(ctx, binary, codesign.Request{Identifier: "org.example.app"})
//
// The package also parses entitlements and macOS provisioning profiles.
package codesign
