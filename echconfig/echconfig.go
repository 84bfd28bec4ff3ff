// Package echconfig validates the wire framing of an ECHConfigList
// without interpreting the opaque per-record contents — that remains
// the TLS engine's job.
package echconfig

import (
	"encoding/binary"

	"github.com/ech-tunnel/echtun/common/errors"
	"golang.org/x/crypto/cryptobyte"
)

// Draft18Version is the only ECHConfig version this module accepts as
// current (draft-ietf-tls-esni-18).
const Draft18Version uint16 = 0xfe0d

// Record is one parsed {version, length} header; Contents is left
// opaque for the TLS engine to interpret.
type Record struct {
	Version  uint16
	Contents []byte
}

// Validate checks the ECHConfigList framing invariant
// (total_length == sum(4 + length_i)), that at least one ECHConfig
// header fits, and returns the parsed per-record headers. It does not
// fail if no draft-18 record is present — callers should check
// HasSupportedVersion and log a warning themselves.
func Validate(raw []byte) ([]Record, error) {
	if len(raw) < 2 {
		return nil, errors.New("ECHConfigList too short to contain a length prefix").
			AtKind(errors.KindProtocolViolation)
	}
	totalLen := int(binary.BigEndian.Uint16(raw[:2]))
	if totalLen != len(raw)-2 {
		return nil, errors.New("ECHConfigList declared length ", totalLen,
			" does not match actual payload length ", len(raw)-2).
			AtKind(errors.KindProtocolViolation)
	}
	s := cryptobyte.String(raw[2:])
	var records []Record
	for !s.Empty() {
		var version uint16
		var contents cryptobyte.String
		if !s.ReadUint16(&version) || !s.ReadUint16LengthPrefixed(&contents) {
			return nil, errors.New("malformed ECHConfig record header").
				AtKind(errors.KindProtocolViolation)
		}
		records = append(records, Record{Version: version, Contents: []byte(contents)})
	}
	if len(records) == 0 {
		return nil, errors.New("ECHConfigList has no parsable records").
			AtKind(errors.KindProtocolViolation)
	}
	return records, nil
}

// HasSupportedVersion reports whether any record declares Draft18Version.
func HasSupportedVersion(records []Record) bool {
	for _, r := range records {
		if r.Version == Draft18Version {
			return true
		}
	}
	return false
}

// Idempotent re-validates an already-validated ECHConfigList and
// asserts validate(validate(x)) == validate(x), the §8 testable
// property: re-parsing well-formed bytes must succeed deterministically.
func Idempotent(raw []byte) (bool, error) {
	first, err := Validate(raw)
	if err != nil {
		return false, err
	}
	second, err := Validate(raw)
	if err != nil {
		return false, err
	}
	if len(first) != len(second) {
		return false, nil
	}
	for i := range first {
		if first[i].Version != second[i].Version {
			return false, nil
		}
	}
	return true, nil
}
