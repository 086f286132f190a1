// Package verify resolves identities from single probe images and
// conditions credential issuance on a positive match.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Natsummerance/facegate/internal/codec"
	"github.com/Natsummerance/facegate/internal/domain"
	"github.com/Natsummerance/facegate/internal/engine"
	"github.com/Natsummerance/facegate/internal/shared"
)

// TokenIssuer signs a short-lived credential for a resolved identity.
type TokenIssuer interface {
	Issue(id domain.ResolvedIdentity) (string, error)
}

// AuditLog records verification attempts. Implementations must not
// block the login path on durability.
type AuditLog interface {
	RecordLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error
}

// Outcome is the result of one verification. A no-match is a
// legitimate negative outcome, not an error: Matched is false and
// Identity nil, while engine failures surface as errors instead.
type Outcome struct {
	Matched  bool
	Identity *domain.ResolvedIdentity
	Token    string
	Message  string
}

// Coordinator drives single-shot verification and duplicate screening.
type Coordinator struct {
	codec  *codec.Codec
	runner engine.Runner
	issuer TokenIssuer
	audit  AuditLog // optional
}

// New creates a Coordinator. audit may be nil.
func New(c *codec.Codec, runner engine.Runner, issuer TokenIssuer, audit AuditLog) *Coordinator {
	return &Coordinator{codec: c, runner: runner, issuer: issuer, audit: audit}
}

// Verify decrypts a probe image, asks the engine for a match, and on a
// positive match returns the identity with a signed credential.
func (c *Coordinator) Verify(ctx context.Context, encryptedProbe, remoteAddr string) (*Outcome, error) {
	plain, err := c.codec.Decrypt(encryptedProbe)
	if err != nil {
		return nil, err
	}

	res, err := c.runner.Invoke(ctx, engine.ActionRecognize, engine.Args{ImageBase64: string(plain)})
	if err != nil {
		c.record(ctx, &domain.LoginAttempt{Matched: false, RemoteAddr: remoteAddr, Detail: err.Error()})
		return nil, err
	}

	identity := res.Identity()
	if !res.Success || identity == "" {
		c.record(ctx, &domain.LoginAttempt{
			Matched:    false,
			Confidence: res.Confidence,
			RemoteAddr: remoteAddr,
			Detail:     res.Message,
		})
		slog.Info("Verification returned no match", "confidence", res.Confidence, "remote_addr", remoteAddr)
		return &Outcome{Matched: false, Message: res.Message}, nil
	}

	resolved := domain.ResolvedIdentity{
		Username:   identity,
		FaceID:     res.FaceID,
		Confidence: res.Confidence,
	}

	signed, err := c.issuer.Issue(resolved)
	if err != nil {
		return nil, fmt.Errorf("issue credential for %s: %w", resolved.Username, err)
	}

	c.record(ctx, &domain.LoginAttempt{
		Username:   resolved.Username,
		Matched:    true,
		Confidence: resolved.Confidence,
		RemoteAddr: remoteAddr,
	})
	slog.Info("Verification matched", "username", resolved.Username, "confidence", resolved.Confidence, "remote_addr", remoteAddr)

	return &Outcome{Matched: true, Identity: &resolved, Token: signed, Message: res.Message}, nil
}

// CheckDuplicate runs the pre-registration dedup screen on an
// encrypted image and returns whether the face is already enrolled.
func (c *Coordinator) CheckDuplicate(ctx context.Context, encryptedImage string) (bool, error) {
	plain, err := c.codec.Decrypt(encryptedImage)
	if err != nil {
		return false, err
	}

	res, err := c.runner.Invoke(ctx, engine.ActionCheckDuplicate, engine.Args{ImageBase64: string(plain)})
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, fmt.Errorf("duplicate check rejected by engine: %s", res.Message)
	}
	return res.IsDuplicate(), nil
}

func (c *Coordinator) record(ctx context.Context, attempt *domain.LoginAttempt) {
	if c.audit == nil {
		return
	}
	attempt.CreatedAt = time.Now()

	// Audit writes contend with face upserts on SQLite; retry briefly on
	// lock conflicts before giving up.
	const maxRetries = 3
	delay := 50 * time.Millisecond
	var err error
	for i := 0; i < maxRetries; i++ {
		err = c.audit.RecordLoginAttempt(ctx, attempt)
		if err == nil {
			return
		}
		if !shared.IsSQLiteConflictError(err) || ctx.Err() != nil {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	slog.Warn("Failed to record login attempt", "error", err)
}
