package upload

import "strings"

// Extension names one optional protocol capability as advertised in the
// Tus-Extension header.
type Extension string

const (
	ExtCreation            Extension = "creation"
	ExtCreationWithUpload  Extension = "creation-with-upload"
	ExtCreationDeferLength Extension = "creation-defer-length"
	ExtTermination         Extension = "termination"
	ExtExpiration          Extension = "expiration"
)

// Extensions is the capability set negotiated for one engine instance. It
// is computed once at construction and checked before every capability
// gated operation.
type Extensions []Extension

// NegotiateExtensions derives the advertised capability set from the
// interfaces the store implements, intersected with what the engine itself
// supports. Expiration additionally requires a configured expiry policy,
// since without one no upload ever carries an expires_at.
func NegotiateExtensions(store Store, cfg Config) Extensions {
	exts := Extensions{ExtCreation, ExtCreationWithUpload}

	if _, ok := store.(LengthDeclarer); ok {
		exts = append(exts, ExtCreationDeferLength)
	}
	if _, ok := store.(Terminator); ok {
		exts = append(exts, ExtTermination)
	}
	if _, ok := store.(Expirer); ok && cfg.Expiry > 0 {
		exts = append(exts, ExtExpiration)
	}

	return exts
}

// Has reports whether the extension is part of the negotiated set.
func (e Extensions) Has(ext Extension) bool {
	for _, candidate := range e {
		if candidate == ext {
			return true
		}
	}
	return false
}

// String renders the set for the Tus-Extension header.
func (e Extensions) String() string {
	names := make([]string, len(e))
	for i, ext := range e {
		names[i] = string(ext)
	}
	return strings.Join(names, ",")
}
