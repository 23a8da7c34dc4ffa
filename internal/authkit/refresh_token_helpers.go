package authkit

import (
	"crypto/sha256"
	"encoding/base64"
	"time"
)

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func unixOrZero(moment time.Time) int64 {
	if moment.IsZero() {
		return 0
	}
	return moment.UTC().Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// classifyRefresh returns nil when the record can still be exchanged at now.
func classifyRefresh(active bool, used bool, expiresUnix int64, now time.Time) error {
	switch {
	case used:
		return invalidRefresh(ErrRefreshTokenUsed)
	case !active:
		return invalidRefresh(ErrRefreshTokenRevoked)
	case expiresUnix <= now.Unix():
		return invalidRefresh(ErrRefreshTokenExpired)
	default:
		return nil
	}
}
