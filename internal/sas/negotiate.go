package sas

import "fmt"

// Wire names for the algorithm sets we implement. Preference tables are
// ordered strongest-first; negotiation walks our table and picks the first
// entry the peer also offers, which keeps any downgrade visible in one
// place.

type KeyAgreement int

const (
	KeyAgreementCurve25519HKDF KeyAgreement = iota
	keyAgreementEnd
)

func (k KeyAgreement) String() string {
	switch k {
	case KeyAgreementCurve25519HKDF:
		return "curve25519-hkdf-sha256"
	}
	return fmt.Sprintf("KeyAgreement(%d)", int(k))
}

type Hash int

const (
	HashSHA256 Hash = iota
	hashEnd
)

func (h Hash) String() string {
	switch h {
	case HashSHA256:
		return "sha256"
	}
	return fmt.Sprintf("Hash(%d)", int(h))
}

type MACMethod int

const (
	MACHKDFHMACSHA256V2 MACMethod = iota
	MACHKDFHMACSHA256
	macMethodEnd
)

func (m MACMethod) String() string {
	switch m {
	case MACHKDFHMACSHA256V2:
		return "hkdf-hmac-sha256.v2"
	case MACHKDFHMACSHA256:
		return "hkdf-hmac-sha256"
	}
	return fmt.Sprintf("MACMethod(%d)", int(m))
}

type SASMethod int

const (
	SASDecimal SASMethod = iota
	SASEmoji
	sasMethodEnd
)

func (s SASMethod) String() string {
	switch s {
	case SASDecimal:
		return "decimal"
	case SASEmoji:
		return "emoji"
	}
	return fmt.Sprintf("SASMethod(%d)", int(s))
}

var (
	keyAgreementPreference = []KeyAgreement{KeyAgreementCurve25519HKDF}
	hashPreference         = []Hash{HashSHA256}
	macPreference          = []MACMethod{MACHKDFHMACSHA256V2, MACHKDFHMACSHA256}
	sasPreference          = []SASMethod{SASDecimal, SASEmoji}
)

// Negotiated is the algorithm set both sides agreed on for one
// transaction.
type Negotiated struct {
	KeyAgreement KeyAgreement
	Hash         Hash
	MAC          MACMethod
	SAS          []SASMethod
}

// negotiate picks the strongest mutually supported algorithms from the
// peer's offered wire names.
func negotiate(keyAgreements, hashes, macs, sasMethods []string) (Negotiated, error) {
	var out Negotiated
	ok := false
	for _, k := range keyAgreementPreference {
		if contains(keyAgreements, k.String()) {
			out.KeyAgreement, ok = k, true
			break
		}
	}
	if !ok {
		return out, fmt.Errorf("%w: no common key agreement in %v", ErrUnknownMethod, keyAgreements)
	}
	ok = false
	for _, h := range hashPreference {
		if contains(hashes, h.String()) {
			out.Hash, ok = h, true
			break
		}
	}
	if !ok {
		return out, fmt.Errorf("%w: no common hash in %v", ErrUnknownMethod, hashes)
	}
	ok = false
	for _, m := range macPreference {
		if contains(macs, m.String()) {
			out.MAC, ok = m, true
			break
		}
	}
	if !ok {
		return out, fmt.Errorf("%w: no common MAC method in %v", ErrUnknownMethod, macs)
	}
	for _, s := range sasPreference {
		if contains(sasMethods, s.String()) {
			out.SAS = append(out.SAS, s)
		}
	}
	if len(out.SAS) == 0 {
		return out, fmt.Errorf("%w: no common SAS method in %v", ErrUnknownMethod, sasMethods)
	}
	return out, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func keyAgreementNames() []string {
	out := make([]string, 0, int(keyAgreementEnd))
	for _, k := range keyAgreementPreference {
		out = append(out, k.String())
	}
	return out
}

func hashNames() []string {
	out := make([]string, 0, int(hashEnd))
	for _, h := range hashPreference {
		out = append(out, h.String())
	}
	return out
}

func macNames() []string {
	out := make([]string, 0, int(macMethodEnd))
	for _, m := range macPreference {
		out = append(out, m.String())
	}
	return out
}

func sasNames() []string {
	out := make([]string, 0, int(sasMethodEnd))
	for _, s := range sasPreference {
		out = append(out, s.String())
	}
	return out
}
