// Package ir provides the canonical value representation shared by every
// pricer package.
//
// This package contains value types and serialization only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere: numbers are IRInt or fixed-point Decimal
//   - No null: absent values are expressed by absent keys
//   - All JSON tags use snake_case
//   - Content identity is always computed over MarshalCanonical output
//     (RFC 8785 key order, NFC strings) with a domain-separated SHA-256
package ir
