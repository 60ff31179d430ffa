package config

import "errors"

// ErrNotFound is returned when a credential, admin, or setting does not
// exist in the registry. The active-hash lookup reports revoked credentials
// as not found too, so callers cannot distinguish them from keys that were
// never issued.
var ErrNotFound = errors.New("not found")
