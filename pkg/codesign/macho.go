package codesign

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"
)

const (
	signatureAlignment = 0x4000
	vmPageSize         = 0x1000
	fatArchAlignment   = 0x4000
)

var machoMagics = [][]byte{
	{0xcf, 0xfa, 0xed, 0xfe}, // MH_MAGIC_64
	{0xce, 0xfa, 0xed, 0xfe}, // MH_MAGIC
	{0xca, 0xfe, 0xba, 0xbe}, // FAT_MAGIC
	{0xca, 0xfe, 0xba, 0xbf}, // FAT_MAGIC_64
}

// IsMachO reports whether path starts with a thin or universal Mach-O magic.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	for _, m := range machoMagics {
		if bytes.Equal(magic, m) {
			return true
		}
	}
	return false
}

// SignMachO replaces the code signature of the binary at path. The binary
// must already carry an LC_CODE_SIGNATURE load command, which the linker
// adds to every arm64 output and install_name_tool keeps.
func SignMachO(path string, identity *SigningIdentity, entitlements []byte, identifier string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var signed []byte
	if m, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		signed, err = signThin(data, m, identity, entitlements, identifier)
		m.Close()
		if err != nil {
			return err
		}
	} else {
		signed, err = signFat(data, identity, entitlements, identifier)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(path, signed, info.Mode().Perm())
}

// thinLayout locates the parts of a thin image the signature depends on.
type thinLayout struct {
	is64        bool
	textOffset  uint64
	textSize    uint64
	linkeditCmd uint32 // file offset of the __LINKEDIT segment command
	linkeditOff uint64
	sigCmd      uint32 // file offset of LC_CODE_SIGNATURE
	codeSize    uint64 // bytes covered by the code directory
}

func inspectThin(m *macho.File) (thinLayout, error) {
	l := thinLayout{is64: m.Magic == types.Magic64}
	offset := uint32(32)
	if m.Magic == types.Magic32 {
		offset = 28
	}

	found := false
	for _, load := range m.Loads {
		switch cmd := load.(type) {
		case *macho.Segment:
			switch cmd.Name {
			case "__TEXT":
				l.textOffset, l.textSize = cmd.Offset, cmd.Filesz
			case "__LINKEDIT":
				l.linkeditCmd, l.linkeditOff = offset, cmd.Offset
			}
		case *macho.CodeSignature:
			if !found {
				l.sigCmd, l.codeSize = offset, uint64(cmd.Offset)
				found = true
			}
		}
		offset += load.LoadSize()
	}
	if !found {
		return l, fmt.Errorf("no LC_CODE_SIGNATURE load command found")
	}
	return l, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

func signThin(data []byte, m *macho.File, identity *SigningIdentity, entitlements []byte, identifier string) ([]byte, error) {
	l, err := inspectThin(m)
	if err != nil {
		return nil, err
	}

	flags := ctypes.NONE
	if len(identity.CertChain) == 0 {
		flags = ctypes.ADHOC
	}

	// The DER form is required next to the XML for the special slot count
	// to come out as seven.
	var entitlementsDER []byte
	if len(entitlements) > 0 {
		if ent, err := ParseEntitlementsXML(entitlements); err == nil {
			entitlementsDER, _ = EntitlementsToDER(ent)
		}
	}

	config := &codesign.Config{
		ID:              identifier,
		TeamID:          identity.TeamID,
		IsMain:          true,
		Flags:           flags,
		CodeSize:        l.codeSize,
		TextOffset:      l.textOffset,
		TextSize:        l.textSize,
		Entitlements:    entitlements,
		EntitlementsDER: entitlementsDER,
		CertChain:       identity.CertChain,
		SignerFunction:  cmsSigner(identity),
	}
	config.InitSlotHashes()
	if len(entitlements) > 0 {
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
	}

	// Page hashes cover the load commands, so LC_CODE_SIGNATURE and
	// __LINKEDIT are patched for the final size before hashing.
	sigSize := alignUp(codesign.EstimateCodeSignatureSize(config), signatureAlignment)

	body := make([]byte, l.codeSize)
	copy(body, data[:l.codeSize])
	le := binary.LittleEndian
	le.PutUint32(body[l.sigCmd+8:], uint32(l.codeSize))
	le.PutUint32(body[l.sigCmd+12:], uint32(sigSize))

	if l.linkeditCmd > 0 {
		filesz := l.codeSize + sigSize - l.linkeditOff
		vmsize := alignUp(filesz, vmPageSize)
		if l.is64 {
			le.PutUint64(body[l.linkeditCmd+24:], vmsize)
			le.PutUint64(body[l.linkeditCmd+40:], filesz)
		} else {
			le.PutUint32(body[l.linkeditCmd+28:], uint32(vmsize))
			le.PutUint32(body[l.linkeditCmd+36:], uint32(filesz))
		}
	}

	sig, err := codesign.Sign(bytes.NewReader(body), config)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if uint64(len(sig)) < sigSize {
		padded := make([]byte, sigSize)
		copy(padded, sig)
		sig = padded
	}
	if len(sig) >= 8 {
		// SuperBlob length covers the padding.
		binary.BigEndian.PutUint32(sig[4:8], uint32(len(sig)))
	}

	return append(body, sig...), nil
}

// fatSlice is one architecture of a universal binary.
type fatSlice struct {
	cpu, subCPU, align uint32
	data               []byte
}

func signFat(data []byte, identity *SigningIdentity, entitlements []byte, identifier string) ([]byte, error) {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse as fat binary: %w", err)
	}
	defer fat.Close()

	slices := make([]fatSlice, len(fat.Arches))
	for i, arch := range fat.Arches {
		archData, err := archSlice(data, arch.Offset, arch.Size)
		if err != nil {
			return nil, fmt.Errorf("arch %d: %w", i, err)
		}
		m, err := macho.NewFile(bytes.NewReader(archData))
		if err != nil {
			return nil, fmt.Errorf("failed to parse arch %d: %w", i, err)
		}
		signed, err := signThin(archData, m, identity, entitlements, identifier)
		m.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to sign arch %d: %w", i, err)
		}
		slices[i] = fatSlice{cpu: uint32(arch.CPU), subCPU: uint32(arch.SubCPU), align: uint32(arch.Align), data: signed}
	}
	return assembleFat(slices), nil
}

// archSlice returns the bytes of one fat_arch entry.
func archSlice(data []byte, offset, size uint32) ([]byte, error) {
	end := uint64(offset) + uint64(size)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("slice at 0x%x+0x%x extends past end of file (%d bytes)", offset, size, len(data))
	}
	return data[offset:end], nil
}

// assembleFat lays out a FAT_MAGIC container: an eight byte header, twenty
// bytes per fat_arch and each slice on a 16K boundary.
func assembleFat(slices []fatSlice) []byte {
	offsets := make([]uint32, len(slices))
	end := uint64(8 + 20*len(slices))
	for i, s := range slices {
		end = alignUp(end, fatArchAlignment)
		offsets[i] = uint32(end)
		end += uint64(len(s.data))
	}

	out := make([]byte, end)
	be := binary.BigEndian
	be.PutUint32(out[0:], 0xcafebabe)
	be.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		hdr := out[8+20*i:]
		be.PutUint32(hdr[0:], s.cpu)
		be.PutUint32(hdr[4:], s.subCPU)
		be.PutUint32(hdr[8:], offsets[i])
		be.PutUint32(hdr[12:], uint32(len(s.data)))
		be.PutUint32(hdr[16:], s.align)
		copy(out[offsets[i]:], s.data)
	}
	return out
}

func cmsSigner(identity *SigningIdentity) func([]byte) ([]byte, error) {
	return func(codeDirectory []byte) ([]byte, error) {
		key, ok := identity.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", identity.PrivateKey)
		}
		sd, err := pkcs7.NewSignedData(codeDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to create signed data: %w", err)
		}
		if err := sd.AddSigner(identity.Certificate, key, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("failed to add signer: %w", err)
		}
		return sd.Finish()
	}
}
