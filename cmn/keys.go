package cmn

import "strings"

// Store key layout:
//
//	impu:{impu-string}            -> default or associated IMPU record
//	impi:{impi-string}:av         -> authentication vector
//	impi:{impi-string}:mapping    -> IMPI -> IMPU mapping

const (
	prefixIMPU = "impu:"
	prefixIMPI = "impi:"
	suffixAV   = ":av"
	suffixMap  = ":mapping"
)

func IMPUKey(impu string) string { return prefixIMPU + impu }

func IMPIAVKey(impi string) string { return prefixIMPI + impi + suffixAV }

func IMPIMappingKey(impi string) string { return prefixIMPI + impi + suffixMap }

// IMPUFromKey strips the "impu:" prefix, returning ok=false if key isn't an
// IMPU key.
func IMPUFromKey(key string) (impu string, ok bool) {
	if !strings.HasPrefix(key, prefixIMPU) {
		return "", false
	}
	return key[len(prefixIMPU):], true
}
