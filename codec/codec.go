package codec

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cxcache/irscache/cmn"
)

// Wire framing, following cmn/jsp's signature+version convention:
//
//	[ signature(4) | kind(1) | version(1) ] + jsoniter(body)
const (
	signature = "IRSC"

	// Version is the current codec version. Bumping it invalidates every
	// previously-written record: decode of an older/newer version returns
	// DecodeError, which callers treat as NOT_FOUND for that key so the
	// record gets refreshed from the HSS.
	Version = 1
)

// Kind identifies which of the three record shapes a blob holds.
type Kind uint8

const (
	KindDefaultIMPU Kind = iota + 1
	KindAssociatedIMPU
	KindIMPIMapping
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const headerLen = len(signature) + 1 + 1

// Encode frames kind+version and jsoniter-marshals body after it.
func Encode(kind Kind, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal body")
	}
	buf := make([]byte, 0, headerLen+len(payload))
	buf = append(buf, signature...)
	buf = append(buf, byte(kind))
	buf = append(buf, byte(Version))
	buf = append(buf, payload...)
	return buf, nil
}

// Decode validates the header and unmarshals the body into out. A header
// mismatch (wrong signature, unexpected kind, or unknown version) is
// reported as a *cmn.Error of KindDecodeError - callers treat this exactly
// as NOT_FOUND for that key.
func Decode(data []byte, wantKind Kind, out interface{}) error {
	if len(data) < headerLen || string(data[:len(signature)]) != signature {
		return cmn.DecodeError(nil, "bad signature")
	}
	kind := Kind(data[len(signature)])
	version := data[len(signature)+1]
	if kind != wantKind {
		return cmn.DecodeError(nil, "kind mismatch: got %d want %d", kind, wantKind)
	}
	if version != Version {
		return cmn.DecodeError(nil, "unsupported version %d (current %d)", version, Version)
	}
	if err := json.Unmarshal(data[headerLen:], out); err != nil {
		return cmn.DecodeError(err, "unmarshal body")
	}
	return nil
}

// EncodeDefaultIMPU/DecodeDefaultIMPU and friends are typed convenience
// wrappers; the rest of the core never touches the raw Kind/byte framing.

func EncodeDefaultIMPU(rec *DefaultIMPURecord) ([]byte, error) {
	return Encode(KindDefaultIMPU, rec)
}

func DecodeDefaultIMPU(data []byte) (*DefaultIMPURecord, error) {
	rec := &DefaultIMPURecord{}
	if err := Decode(data, KindDefaultIMPU, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func EncodeAssociatedIMPU(rec *AssociatedIMPURecord) ([]byte, error) {
	return Encode(KindAssociatedIMPU, rec)
}

func DecodeAssociatedIMPU(data []byte) (*AssociatedIMPURecord, error) {
	rec := &AssociatedIMPURecord{}
	if err := Decode(data, KindAssociatedIMPU, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func EncodeIMPIMapping(rec *IMPIMappingRecord) ([]byte, error) {
	return Encode(KindIMPIMapping, rec)
}

func DecodeIMPIMapping(data []byte) (*IMPIMappingRecord, error) {
	rec := &IMPIMappingRecord{}
	if err := Decode(data, KindIMPIMapping, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
