package session

import (
	"os"
	"strings"
)

// TokenFile reads the access token from a file on every call, so a token
// refreshed by another process is picked up on the next connect.
type TokenFile struct {
	Path string
}

// Token returns the trimmed file contents, or "" when the file is missing.
func (f TokenFile) Token() string {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveToken writes token to path with owner-only permissions.
func SaveToken(path, token string) error {
	return os.WriteFile(path, []byte(strings.TrimSpace(token)+"\n"), 0600)
}

// ProfileToken returns the token source for a profile: tokenFile when set,
// otherwise the profile's default token path.
func ProfileToken(name, tokenFile string) TokenFile {
	if tokenFile != "" {
		return TokenFile{Path: tokenFile}
	}
	return TokenFile{Path: TokenPath(name)}
}
