// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package invite implements the invitation-code side of team
// admission: fixed-length base58 codes carrying the share id and the
// secret seed, pending-invitation bookkeeping with expiration, and
// redemption glue into the trust graph.
package invite

import (
	"strings"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/ref"
)

// Invitation code layout: [shareId:12][seed:16][version:1], base58
// throughout. The trailing character marks the code format version;
// it is validated leniently so codes from newer minor revisions still
// parse.
const (
	CodeLength    = 29
	seedLength    = 16
	versionMarker = "1"
)

// BuildCode assembles an invitation code from a share id and a seed
// string.
func BuildCode(share ref.ShareID, seed string) string {
	return share.String() + seed + versionMarker
}

// ParseCode splits an invitation code into its share id and seed. The
// format errors all classify as INVITATION_PROOF_INVALID: a caller
// cannot distinguish a mistyped code from a forged one.
func ParseCode(code string) (ref.ShareID, string, error) {
	code = strings.TrimSpace(code)
	if len(code) != CodeLength {
		return ref.ShareID{}, "", apperror.Newf(apperror.InvitationProofInvalid, "invitation code has length %d, want %d", len(code), CodeLength)
	}

	share, err := ref.ParseShareID(code[:ref.ShareIDLength])
	if err != nil {
		return ref.ShareID{}, "", apperror.Wrap(apperror.InvitationProofInvalid, err)
	}

	seed := code[ref.ShareIDLength : ref.ShareIDLength+seedLength]
	for _, character := range seed {
		if !strings.ContainsRune(ref.Base58Alphabet, character) {
			return ref.ShareID{}, "", apperror.Newf(apperror.InvitationProofInvalid, "invitation seed contains invalid character")
		}
	}

	return share, seed, nil
}
