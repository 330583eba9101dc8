package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// The version suffix allows a future algorithm migration.
const (
	DomainRuleSet      = "pricer/ruleset/v1"
	DomainEvaluation   = "pricer/evaluation/v1"
	DomainQuoteRequest = "pricer/quote-request/v1"
	DomainContext      = "pricer/context/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashCanonical canonicalizes v and hashes it under domain.
// The result is prefixed with the algorithm, e.g. "sha256:9f2c...".
func HashCanonical(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return "sha256:" + hashWithDomain(domain, canonical), nil
}

// RuleSetChecksum hashes the canonical content of a rule document.
func RuleSetChecksum(content IRObject) (string, error) {
	return HashCanonical(DomainRuleSet, content)
}

// EvaluationChecksum hashes the (result, trace steps) pair of an evaluation.
func EvaluationChecksum(result IRValue, steps IRArray) (string, error) {
	return HashCanonical(DomainEvaluation, IRObject{
		"result": result,
		"trace":  steps,
	})
}

// QuoteRequestHash identifies an issuance request for idempotency checks:
// the normalized context plus the full ruleset reference.
func QuoteRequestHash(context IRObject, rulesetRef IRObject) (string, error) {
	return HashCanonical(DomainQuoteRequest, IRObject{
		"context":     context,
		"ruleset_ref": rulesetRef,
	})
}

// ContextHash hashes a normalized evaluation context.
func ContextHash(context IRObject) (string, error) {
	return HashCanonical(DomainContext, context)
}
