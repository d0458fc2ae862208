package sched

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// VerificationStatus is the state of a result verification.
type VerificationStatus int

const (
	VerificationPending VerificationStatus = iota
	VerificationPassed
	VerificationFailed
)

func (vs VerificationStatus) String() string {
	switch vs {
	case VerificationPending:
		return "pending"
	case VerificationPassed:
		return "passed"
	case VerificationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PayloadDigest computes the sha256 hex digest a submission must declare
// for its payload.
func PayloadDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyResult checks a submission's payload against its declared
// digest. A missing digest fails: unverifiable results never reach
// reconciliation.
func VerifyResult(res *common.Result) error {
	if res.Digest == "" {
		return ErrDigestMismatch(res.TaskID, res.NodeID).
			WithContext("reason", "no digest declared")
	}
	if !strings.EqualFold(PayloadDigest(res.Payload), res.Digest) {
		return ErrDigestMismatch(res.TaskID, res.NodeID)
	}
	return nil
}

// ResultVerifier validates payloads against one expected digest. The
// first outcome latches: later calls report the finalized status, so a
// node cannot flip a failed verification by resubmitting.
type ResultVerifier struct {
	expected    []byte
	expectedHex string

	status       VerificationStatus
	bytesChecked int64
	mu           sync.Mutex
}

// NewResultVerifier creates a verifier for a hex-encoded sha256 digest.
func NewResultVerifier(hexDigest string) (*ResultVerifier, error) {
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, fmt.Errorf("invalid hex digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	return &ResultVerifier{
		expected:    digest,
		expectedHex: hexDigest,
		status:      VerificationPending,
	}, nil
}

// VerifyPayload hashes the payload and compares against the expected
// digest, finalizing the verifier.
func (v *ResultVerifier) VerifyPayload(payload []byte) bool {
	sum := sha256.Sum256(payload)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.status != VerificationPending {
		return v.status == VerificationPassed
	}

	v.bytesChecked = int64(len(payload))
	if bytes.Equal(v.expected, sum[:]) {
		v.status = VerificationPassed
		return true
	}
	v.status = VerificationFailed
	return false
}

// VerifyDigest compares a precomputed hex digest, finalizing the
// verifier.
func (v *ResultVerifier) VerifyDigest(actualHex string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.status != VerificationPending {
		return v.status == VerificationPassed
	}

	if strings.EqualFold(v.expectedHex, actualHex) {
		v.status = VerificationPassed
		return true
	}
	v.status = VerificationFailed
	return false
}

// Status returns the current verification status.
func (v *ResultVerifier) Status() VerificationStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// ExpectedHex returns the expected digest as a hex string.
func (v *ResultVerifier) ExpectedHex() string {
	return v.expectedHex
}

// BytesChecked returns the payload size seen at verification.
func (v *ResultVerifier) BytesChecked() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bytesChecked
}
