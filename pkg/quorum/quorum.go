// Package quorum holds the pure signer-counting rules shared by the owner
// and guardian approval paths.
package quorum

import "quorumvault/pkg/models"

// CountSigners counts owners that approved explicitly or hold a live session.
// A session expiring exactly at now still counts.
func CountSigners(signers []bool, sessions []int64, now int64) int {
	n := len(signers)
	if len(sessions) < n {
		n = len(sessions)
	}
	count := 0
	for i := 0; i < n; i++ {
		if signers[i] || SessionActive(sessions[i], now) {
			count++
		}
	}
	return count
}

func SessionActive(expiry, now int64) bool {
	return expiry != models.NoSession && expiry >= now
}

// RequiredGuardianSigns is floor(n*permyriad/10000)+1, capped at n.
func RequiredGuardianSigns(n int, permyriad uint16) int {
	if n <= 0 {
		return 0
	}
	required := int(uint64(n)*uint64(permyriad)/models.PermyriadScale) + 1
	if required > n {
		required = n
	}
	return required
}

func GuardianQuorumMet(agreed []bool, permyriad uint16) bool {
	signed := 0
	for _, ok := range agreed {
		if ok {
			signed++
		}
	}
	return signed >= RequiredGuardianSigns(len(agreed), permyriad)
}
