package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	base62Alphabet         = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	defaultShortCodeLength = 7
	maxShortLinkTarget     = 4096
)

// ErrInvalidTarget rejects empty or oversized share targets.
var ErrInvalidTarget = errors.New("invalid short link target")

// PersistShortLink returns the code for target, creating one when the
// target has never been shared.
func (db *Database) PersistShortLink(ctx context.Context, target string, now time.Time, length int) (string, error) {
	if db == nil || db.DB == nil {
		return "", ErrUnavailable
	}
	target = strings.TrimSpace(target)
	if target == "" || len(target) > maxShortLinkTarget {
		return "", ErrInvalidTarget
	}

	if code, err := db.lookupShortLinkByTarget(ctx, target); err != nil || code != "" {
		return code, err
	}

	const maxAttempts = 16
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := randomBase62String(length)
		if err != nil {
			return "", err
		}
		err = db.insertShortLink(ctx, code, target, now)
		if err == nil {
			return code, nil
		}
		if !isUniqueConstraintError(err) {
			return "", err
		}
		// Either the code collided or a concurrent request stored the
		// same target; the lookup settles which.
		if existing, lerr := db.lookupShortLinkByTarget(ctx, target); lerr != nil || existing != "" {
			return existing, lerr
		}
	}
	return "", fmt.Errorf("persist short link: exhausted %d attempts", maxAttempts)
}

// ResolveShortLink expands a code.  Unknown codes yield "" and no error.
func (db *Database) ResolveShortLink(ctx context.Context, code string) (string, error) {
	if db == nil || db.DB == nil {
		return "", ErrUnavailable
	}
	code = strings.TrimSpace(code)
	if !isBase62(code) {
		return "", nil
	}
	query := fmt.Sprintf("SELECT target FROM short_links WHERE code = %s LIMIT 1", db.placeholder(1))
	var target string
	err := db.DB.QueryRowContext(ctx, query, code).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve short link: %w", err)
	}
	return target, nil
}

func (db *Database) lookupShortLinkByTarget(ctx context.Context, target string) (string, error) {
	query := fmt.Sprintf("SELECT code FROM short_links WHERE target = %s LIMIT 1", db.placeholder(1))
	var code string
	err := db.DB.QueryRowContext(ctx, query, target).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup short link: %w", err)
	}
	return code, nil
}

func (db *Database) insertShortLink(ctx context.Context, code, target string, now time.Time) error {
	stmt := fmt.Sprintf("INSERT INTO short_links (id, code, target, created_at) VALUES (%s)", db.placeholders(4))
	_, err := db.DB.ExecContext(ctx, stmt, db.nextID(), code, target, now.Unix())
	return err
}

// randomBase62String maps crypto/rand bytes onto the base62 alphabet,
// rejecting bytes above 247 to keep the distribution uniform.
func randomBase62String(length int) (string, error) {
	if length <= 0 {
		length = defaultShortCodeLength
	}
	buf := make([]byte, length)
	var b [1]byte
	for i := 0; i < length; {
		if _, err := rand.Read(b[:]); err != nil {
			return "", err
		}
		if b[0] < 62*4 {
			buf[i] = base62Alphabet[int(b[0])%62]
			i++
		}
	}
	return string(buf), nil
}

func isBase62(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(base62Alphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// isUniqueConstraintError normalizes driver-specific duplicate errors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"unique constraint", "duplicate key", "constraint failed", "unique violation", "already exists"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
