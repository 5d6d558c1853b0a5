// Package secrets resolves upstream credentials from the encrypted vault.
// Values are AES-256-GCM encrypted at rest; plaintext lives only in process
// memory, cached briefly. Resolution failures are never fatal: the auth
// strategies degrade to a warning header on the upstream request.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/errgroup"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/storage"
)

const (
	hitTTL      = 300 * time.Second
	emptyTTL    = 30 * time.Second // avoid hammering the vault for refs that do not exist
	cacheMaxLen = 10_000
)

// cachedSecret carries a decrypted value with its expiry. An empty value is a
// cached miss.
type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// Resolver decrypts and caches vault secrets.
type Resolver struct {
	vault storage.SecretVault
	aead  cipher.AEAD
	cache *otter.Cache[string, cachedSecret]

	now func() time.Time
}

// New creates a Resolver. key must be exactly 32 bytes (AES-256).
func New(vault storage.SecretVault, key []byte) (*Resolver, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	c, err := otter.New(&otter.Options[string, cachedSecret]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cachedSecret](hitTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create secret cache: %w", err)
	}
	return &Resolver{vault: vault, aead: aead, cache: c, now: time.Now}, nil
}

// Key composes the vault key for one secret ref.
func Key(scopeID, slug, ref string) string {
	return "gw:" + scopeID + ":" + slug + ":" + ref
}

// Resolve fetches and decrypts all refs in parallel. The returned map always
// has an entry per ref; failed or missing secrets map to "".
func (r *Resolver) Resolve(ctx context.Context, scopeID, slug string, refs []string) map[string]string {
	values := make([]string, len(refs))
	g, ctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			values[i] = r.resolveOne(ctx, scopeID, slug, ref)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines never return errors

	out := make(map[string]string, len(refs))
	for i, ref := range refs {
		out[ref] = values[i]
	}
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, scopeID, slug, ref string) string {
	key := Key(scopeID, slug, ref)

	if c, ok := r.cache.GetIfPresent(key); ok {
		if r.now().Before(c.expiresAt) {
			return c.value
		}
		r.cache.Invalidate(key)
	}

	rec, err := r.vault.GetSecret(ctx, key)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			r.cache.Set(key, cachedSecret{expiresAt: r.now().Add(emptyTTL)})
			return ""
		}
		// Transient store failure: do not cache, the next request retries.
		slog.LogAttrs(ctx, slog.LevelWarn, "secret lookup failed",
			slog.String("ref", ref),
			slog.String("slug", slug),
			slog.Any("error", err),
		)
		return ""
	}

	plain, err := r.aead.Open(nil, rec.IV, rec.Ciphertext, nil)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "secret decryption failed",
			slog.String("ref", ref),
			slog.String("slug", slug),
			slog.Any("error", err),
		)
		r.cache.Set(key, cachedSecret{expiresAt: r.now().Add(emptyTTL)})
		return ""
	}

	r.cache.Set(key, cachedSecret{value: string(plain), expiresAt: r.now().Add(hitTTL)})
	return string(plain)
}

// Encrypt seals a plaintext secret for vault storage, returning the
// ciphertext and the random nonce. Used by the admin surface and bootstrap
// seeding.
func (r *Resolver) Encrypt(plaintext string) (ciphertext, iv []byte, err error) {
	iv = make([]byte, r.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return r.aead.Seal(nil, iv, []byte(plaintext), nil), iv, nil
}

// Store encrypts and persists a secret, then drops any cached value for it.
func (r *Resolver) Store(ctx context.Context, scopeID, slug, ref, plaintext string) error {
	ct, iv, err := r.Encrypt(plaintext)
	if err != nil {
		return err
	}
	key := Key(scopeID, slug, ref)
	if err := r.vault.PutSecret(ctx, &gateway.SecretRecord{Key: key, Ciphertext: ct, IV: iv}); err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	r.cache.Invalidate(key)
	return nil
}
