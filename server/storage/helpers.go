package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"
)

// nullString returns a sql.NullString for optional string values.
// Empty strings are stored as NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt64Ptr returns a sql.NullInt64 for optional *int64 values.
func nullInt64Ptr(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// nullFloat64Ptr returns a sql.NullFloat64 for optional *float64 values.
func nullFloat64Ptr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullTimePtr returns a sql.NullTime for optional *time.Time values.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr promotes a valid sql.NullTime to *time.Time.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// int64Ptr promotes a valid sql.NullInt64 to *int64.
func int64Ptr(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

// generateSecureToken creates a cryptographically secure random token
// encoded as lowercase hex. length is the number of random bytes, so the
// returned string is twice as long.
func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashSHA256 returns the hex-encoded SHA-256 hash of a string. Session
// tokens are stored hashed so a database dump cannot impersonate users.
func hashSHA256(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// TokenHash is the exported form of hashSHA256 for callers outside the
// storage package.
func TokenHash(token string) string {
	return hashSHA256(token)
}

// encodeStrings marshals a string slice to a JSON NullString for storage.
func encodeStrings(ss []string) sql.NullString {
	if len(ss) == 0 {
		return sql.NullString{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

// decodeStrings parses a JSON NullString back to a string slice.
func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

// encodeMetadata converts a map to a JSON NullString for database storage.
func encodeMetadata(meta map[string]interface{}) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeMetadata parses a JSON NullString to a map.
func decodeMetadata(raw sql.NullString) map[string]interface{} {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &result); err != nil {
		return nil
	}
	return result
}
