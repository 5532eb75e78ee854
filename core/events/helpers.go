package events

import (
	"math/big"
	"strings"

	"bithedge/crypto"
)

func normalizeToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func putAddr(attrs map[string]string, key string, addr crypto.Address) {
	if addr.IsZero() {
		return
	}
	attrs[key] = addr.String()
}

func putAmount(attrs map[string]string, key string, amount *big.Int) {
	if amount == nil {
		return
	}
	attrs[key] = amount.String()
}
