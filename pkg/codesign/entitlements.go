package codesign

import (
	"encoding/asn1"
	"fmt"
	"os"
	"sort"

	"howett.net/plist"
)

// LoadEntitlements reads an entitlements plist and checks that it parses.
// The file bytes are returned unchanged; codesign wants the XML as written.
func LoadEntitlements(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entitlements: %w", err)
	}
	if _, err := ParseEntitlementsXML(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	_, err := plist.Unmarshal(data, &entitlements)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// EntitlementsToDER encodes entitlements the way Apple embeds them next to
// the XML plist in a code signature:
//
//	[APPLICATION 16] { INTEGER 1, dict }
//	dict   = [16] { SEQUENCE { UTF8String key, value }... }
//	array  = SEQUENCE { value... }
//
// Booleans, integers and strings map to their ASN.1 universal types.
// Dictionary keys are sorted.
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dict, err := derDict(entitlements)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}
	return derWrap(asn1.ClassApplication, 16, true, append(version, dict...))
}

// derDict has no SEQUENCE around the pairs, only the context tag.
func derDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		k, err := derWrap(asn1.ClassUniversal, asn1.TagUTF8String, false, []byte(key))
		if err != nil {
			return nil, err
		}
		v, err := derValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}
		pair, err := derWrap(asn1.ClassUniversal, asn1.TagSequence, true, append(k, v...))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair...)
	}
	return derWrap(asn1.ClassContextSpecific, 16, true, pairs)
}

func derValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool, int, int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case string:
		return derWrap(asn1.ClassUniversal, asn1.TagUTF8String, false, []byte(val))
	case []interface{}:
		var items []byte
		for _, item := range val {
			b, err := derValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, b...)
		}
		return derWrap(asn1.ClassUniversal, asn1.TagSequence, true, items)
	case map[string]interface{}:
		return derDict(val)
	}
	return nil, fmt.Errorf("unsupported plist type: %T", v)
}

func derWrap(class, tag int, compound bool, content []byte) ([]byte, error) {
	return asn1.Marshal(asn1.RawValue{Class: class, Tag: tag, IsCompound: compound, Bytes: content})
}
