// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Arbor's canonical CBOR encoding and atomic
// state-file persistence.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// logical value always produces identical bytes, so state files are
// diffable and digests are stable. Decoding ignores unknown fields for
// forward compatibility.
//
// State files (the client's per-conversation sync cursor, for example)
// are written atomically: temporary file in the same directory, fsync,
// rename. A reader never observes a partial write, and a crash mid-save
// leaves the previous state intact.
package codec

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Arbor never uses non-string map keys. Decoding into an
		// any-typed target must produce map[string]any, not the CBOR
		// default map[interface{}]interface{}, so decoded values stay
		// compatible with encoding/json and ordinary Go code.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// SaveFile atomically writes v, CBOR-encoded, to path with mode 0600.
// The parent directory must exist.
func SaveFile(path string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encoding state for %s: %w", path, err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("codec: creating temporary state file: %w", err)
	}

	// Write, sync, close, rename — in that order. On any failure the
	// temporary file is removed and the original is untouched.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("codec: writing state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("codec: syncing state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("codec: closing state file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("codec: renaming state file into place: %w", err)
	}
	return nil
}

// LoadFile reads a CBOR state file into v. Returns os.ErrNotExist
// (wrapped) when the file is absent so callers can treat a missing
// state file as a fresh start.
func LoadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("codec: state file %s: %w", path, os.ErrNotExist)
		}
		return fmt.Errorf("codec: reading state file %s: %w", path, err)
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decoding state file %s: %w", path, err)
	}
	return nil
}
