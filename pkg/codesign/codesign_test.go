package codesign

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

func newTestCertificate(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject: pkix.Name{
			CommonName:         "Developer ID Application: Example (ABCDE12345)",
			OrganizationalUnit: []string{"ABCDE12345"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return key, cert
}

func writeProfile(t *testing.T, dir string, key *rsa.PrivateKey, cert *x509.Certificate, expires time.Time) string {
	t.Helper()
	payload, err := plist.Marshal(map[string]interface{}{
		"Name":                  "Example Mac Profile",
		"TeamIdentifier":        []string{"ABCDE12345"},
		"Entitlements":          map[string]interface{}{"com.apple.application-identifier": "ABCDE12345.org.example.app"},
		"DeveloperCertificates": [][]byte{cert.Raw},
		"CreationDate":          time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		"ExpirationDate":        expires.UTC().Truncate(time.Second),
		"UUID":                  "0F3B2C8E-5C1B-4E55-9C39-8A5E8F2E4A10",
		"Platform":              []string{"OSX"},
	}, plist.XMLFormat)
	if err != nil {
		t.Fatalf("failed to marshal profile: %v", err)
	}

	sd, err := pkcs7.NewSignedData(payload)
	if err != nil {
		t.Fatalf("failed to create signed data: %v", err)
	}
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("failed to add signer: %v", err)
	}
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("failed to finish signed data: %v", err)
	}

	path := filepath.Join(dir, "app.provisionprofile")
	if err := os.WriteFile(path, der, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsMachO(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]byte{
		"thin64":  {0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0},
		"thin32":  {0xce, 0xfa, 0xed, 0xfe},
		"fat":     {0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 2},
		"script":  []byte("#!/bin/sh\n"),
		"short":   {0xcf, 0xfa},
		"gir.pyc": {0x55, 0x0d, 0x0d, 0x0a},
	}
	want := map[string]bool{"thin64": true, "thin32": true, "fat": true}

	for name, data := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0755); err != nil {
			t.Fatal(err)
		}
		if got := IsMachO(path); got != want[name] {
			t.Errorf("IsMachO(%s) = %v, want %v", name, got, want[name])
		}
	}
	if IsMachO(filepath.Join(dir, "missing")) {
		t.Error("missing file should not be Mach-O")
	}
}

func TestAssembleFatLayout(t *testing.T) {
	slices := []fatSlice{
		{cpu: 0x01000007, subCPU: 3, align: 14, data: bytes.Repeat([]byte{0xaa}, 100)},
		{cpu: 0x0100000c, subCPU: 0, align: 14, data: bytes.Repeat([]byte{0xbb}, 50)},
	}
	out := assembleFat(slices)

	be := binary.BigEndian
	if be.Uint32(out[0:]) != 0xcafebabe {
		t.Fatalf("bad fat magic 0x%08x", be.Uint32(out[0:]))
	}
	if be.Uint32(out[4:]) != 2 {
		t.Fatalf("expected 2 architectures, got %d", be.Uint32(out[4:]))
	}

	for i, s := range slices {
		hdr := out[8+20*i:]
		if be.Uint32(hdr[0:]) != s.cpu || be.Uint32(hdr[4:]) != s.subCPU || be.Uint32(hdr[16:]) != s.align {
			t.Errorf("arch %d header mismatch", i)
		}
		offset := be.Uint32(hdr[8:])
		size := be.Uint32(hdr[12:])
		if offset%fatArchAlignment != 0 {
			t.Errorf("arch %d offset 0x%x not aligned", i, offset)
		}
		if int(size) != len(s.data) {
			t.Errorf("arch %d size %d, want %d", i, size, len(s.data))
		}
		if !bytes.Equal(out[offset:offset+size], s.data) {
			t.Errorf("arch %d data not copied", i)
		}
	}
	if len(out) != 2*fatArchAlignment+50 {
		t.Errorf("unexpected container size %d", len(out))
	}
}

// truncatedFat is a universal header whose only slice points past the end
// of the file.
func truncatedFat() []byte {
	data := make([]byte, 28)
	be := binary.BigEndian
	be.PutUint32(data[0:], 0xcafebabe)
	be.PutUint32(data[4:], 1)
	be.PutUint32(data[8:], 0x0100000c)
	be.PutUint32(data[16:], 0x4000)
	be.PutUint32(data[20:], 0x1000)
	be.PutUint32(data[24:], 14)
	return data
}

func TestArchSliceBounds(t *testing.T) {
	data := bytes.Repeat([]byte{0xaa}, 64)
	got, err := archSlice(data, 16, 48)
	if err != nil {
		t.Fatalf("slice inside the file: %v", err)
	}
	if len(got) != 48 {
		t.Errorf("got %d bytes, want 48", len(got))
	}
	if _, err := archSlice(data, 32, 33); err == nil {
		t.Error("slice past the end should fail")
	}
	if _, err := archSlice(data, 0xffffffff, 0xffffffff); err == nil {
		t.Error("overflowing slice should fail")
	}
}

func TestSignMachORejectsTruncatedFat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, truncatedFat(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := SignMachO(path, &SigningIdentity{}, nil, "org.example.app"); err == nil {
		t.Fatal("expected an error for a truncated universal binary")
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ v, align, want uint64 }{
		{0, 0x4000, 0},
		{1, 0x4000, 0x4000},
		{0x4000, 0x4000, 0x4000},
		{0x4001, 0x1000, 0x5000},
	}
	for _, tt := range tests {
		if got := alignUp(tt.v, tt.align); got != tt.want {
			t.Errorf("alignUp(0x%x, 0x%x) = 0x%x, want 0x%x", tt.v, tt.align, got, tt.want)
		}
	}
}

type recordingRunner struct {
	args [][]string
	err  error
}

func (r *recordingRunner) Run(_ context.Context, _ []string, name string, args ...string) ([]byte, error) {
	r.args = append(r.args, append([]string{name}, args...))
	return nil, r.err
}

func TestToolSignerArguments(t *testing.T) {
	r := &recordingRunner{}
	s := ToolSigner{Runner: r, Identity: "Developer ID Application: Example"}

	if err := s.Sign(context.Background(), "/b/App.app/Contents/MacOS/app", Request{
		Identifier:   "org.example.app",
		Entitlements: "/p/app.entitlements",
		Main:         true,
	}); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := s.Sign(context.Background(), "/b/libfoo.dylib", Request{Identifier: "org.example.app"}); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	want := []string{
		"codesign -s Developer ID Application: Example -i org.example.app --timestamp --options=runtime --force --entitlements /p/app.entitlements /b/App.app/Contents/MacOS/app",
		"codesign -s Developer ID Application: Example -i org.example.app --timestamp --options=runtime --force /b/libfoo.dylib",
	}
	for i, args := range r.args {
		if got := strings.Join(args, " "); got != want[i] {
			t.Errorf("call %d:\n got %s\nwant %s", i, got, want[i])
		}
	}
}

func TestToolSignerFailure(t *testing.T) {
	r := &recordingRunner{err: errors.New("errSecInternalComponent")}
	err := ToolSigner{Runner: r, Identity: "x"}.Sign(context.Background(), "/b/app", Request{Identifier: "id"})
	if !errors.Is(err, ErrSigningFailure) {
		t.Fatalf("expected ErrSigningFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "errSecInternalComponent") {
		t.Errorf("error should carry the tool output: %v", err)
	}
}

func TestNativeSignerSkipsNonMachO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launcher.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := (NativeSigner{}).Sign(context.Background(), path, Request{Identifier: "id"}); err != nil {
		t.Fatalf("non Mach-O files should be skipped: %v", err)
	}
}

func TestNativeSignerReportsUnsignableBinary(t *testing.T) {
	key, cert := newTestCertificate(t)
	identity := &SigningIdentity{Certificate: cert, PrivateKey: key, CertChain: []*x509.Certificate{cert}}

	// A bare 64-bit header without LC_CODE_SIGNATURE.
	header := make([]byte, 32)
	binary.LittleEndian.PutUint32(header[0:], 0xfeedfacf)
	binary.LittleEndian.PutUint32(header[4:], 0x0100000c)
	binary.LittleEndian.PutUint32(header[12:], 2)
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, header, 0755); err != nil {
		t.Fatal(err)
	}

	err := NativeSigner{Identity: identity}.Sign(context.Background(), path, Request{Identifier: "org.example.app", Main: true})
	if !errors.Is(err, ErrSigningFailure) {
		t.Fatalf("expected ErrSigningFailure, got %v", err)
	}
}

func TestLoadSigningIdentityFromP12(t *testing.T) {
	key, cert := newTestCertificate(t)
	p12, err := gop12.Modern.Encode(key, cert, nil, "secret")
	if err != nil {
		t.Fatalf("failed to encode P12: %v", err)
	}

	identity, err := LoadSigningIdentity(p12, "secret")
	if err != nil {
		t.Fatalf("LoadSigningIdentity failed: %v", err)
	}
	if identity.TeamID != "ABCDE12345" {
		t.Errorf("expected team ABCDE12345, got %q", identity.TeamID)
	}
	if len(identity.CertChain) != 3 {
		t.Errorf("expected the chain to be completed with Apple CAs, got %d certs", len(identity.CertChain))
	}
	if !identity.CertChain[0].Equal(cert) {
		t.Error("signing certificate must lead the chain")
	}

	if _, err := LoadSigningIdentity(p12, "wrong"); err == nil {
		t.Error("expected an error for a wrong password")
	}
}

func TestLoadNativeSignerWithPEMKeyAndProfile(t *testing.T) {
	dir := t.TempDir()
	key, cert := newTestCertificate(t)
	keyPath := filepath.Join(dir, "key.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, pemData, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadNativeSigner(keyPath, "", nil); err == nil {
		t.Fatal("a bare key without a profile cannot sign")
	}

	profilePath := writeProfile(t, dir, key, cert, time.Now().Add(48*time.Hour))
	data, err := os.ReadFile(profilePath)
	if err != nil {
		t.Fatal(err)
	}
	profile, err := ParseProvisioningProfile(data)
	if err != nil {
		t.Fatalf("ParseProvisioningProfile failed: %v", err)
	}

	signer, err := LoadNativeSigner(keyPath, "", profile)
	if err != nil {
		t.Fatalf("LoadNativeSigner failed: %v", err)
	}
	if !signer.Identity.Certificate.Equal(cert) {
		t.Error("certificate should come from the profile")
	}
	if signer.Identity.TeamID != "ABCDE12345" {
		t.Errorf("unexpected team %q", signer.Identity.TeamID)
	}
}

func TestProvisioningProfile(t *testing.T) {
	dir := t.TempDir()
	key, cert := newTestCertificate(t)
	path := writeProfile(t, dir, key, cert, time.Now().Add(48*time.Hour))

	contents := filepath.Join(dir, "App.app", "Contents")
	if err := os.MkdirAll(contents, 0755); err != nil {
		t.Fatal(err)
	}
	profile, err := EmbedProvisioningProfile(path, contents, time.Now())
	if err != nil {
		t.Fatalf("EmbedProvisioningProfile failed: %v", err)
	}

	if profile.Name != "Example Mac Profile" {
		t.Errorf("unexpected name %q", profile.Name)
	}
	if profile.TeamID() != "ABCDE12345" {
		t.Errorf("unexpected team %q", profile.TeamID())
	}
	if profile.ApplicationIdentifier() != "ABCDE12345.org.example.app" {
		t.Errorf("unexpected application identifier %q", profile.ApplicationIdentifier())
	}
	certs, err := profile.Certificates()
	if err != nil || len(certs) != 1 {
		t.Fatalf("expected one certificate, got %d (%v)", len(certs), err)
	}

	embedded, err := os.ReadFile(filepath.Join(contents, EmbeddedProfileName))
	if err != nil {
		t.Fatalf("profile not embedded: %v", err)
	}
	original, _ := os.ReadFile(path)
	if !bytes.Equal(embedded, original) {
		t.Error("embedded profile should be a byte copy")
	}
}

func TestEmbedProvisioningProfileRejectsExpired(t *testing.T) {
	dir := t.TempDir()
	key, cert := newTestCertificate(t)
	path := writeProfile(t, dir, key, cert, time.Now().Add(-time.Hour))

	if _, err := EmbedProvisioningProfile(path, dir, time.Now()); err == nil {
		t.Fatal("expired profile should be rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, EmbeddedProfileName)); !os.IsNotExist(err) {
		t.Error("expired profile must not be embedded")
	}
}
