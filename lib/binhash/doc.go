// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes SHA-256 digests of helper binaries so an
// install can check that the file written on the remote is the one
// that was sent.
//
// SHA-256 is used because sha256sum or shasum is present on nearly
// every remote; the digest printed there is compared with the one
// computed locally while the binary streams out through [Reader].
package binhash
