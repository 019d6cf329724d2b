// Copyright 2025 James Ross
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// tokenSigner mints and verifies the signed "secret" a job_signature call
// hands an external approver: the same HMAC-over-payload shape the worker
// uses for its ephemeral job bearer tokens (see internal/worker.issueJobToken),
// scoped here to (flow job id, resume id) instead of (workspace, job, exp).
type tokenSigner struct {
	secret []byte
}

func newTokenSigner(secret string) *tokenSigner {
	return &tokenSigner{secret: []byte(secret)}
}

func (t *tokenSigner) enabled() bool { return len(t.secret) > 0 }

// Sign returns the opaque token a caller must echo back as {secret} in the
// resume/cancel URL to prove it was handed a genuine job_signature link.
func (t *tokenSigner) Sign(flowJobID, resumeID string) string {
	payload := flowJobID + ":" + resumeID
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether secret is the token Sign would have produced for
// (flowJobID, resumeID). Disabled (empty-secret) deployments accept any
// token, matching the worker's own TokenSecret-unset escape hatch.
func (t *tokenSigner) Verify(flowJobID, resumeID, secret string) bool {
	if !t.enabled() {
		return true
	}
	want := t.Sign(flowJobID, resumeID)
	return subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}

func (t *tokenSigner) errInvalid() error {
	return fmt.Errorf("api: invalid or expired resume token")
}
