package profile

import (
	"math/big"
	"strings"

	"github.com/certforge/certforge/internal/api/apierrors"
)

// IncSerialNumber returns the decimal successor of a subject serialNumber
// attribute value. An empty input starts the sequence at "1". Values that
// are not non-negative decimal integers are rejected.
func IncSerialNumber(serial string) (string, error) {
	s := strings.TrimSpace(serial)
	if s == "" {
		return "1", nil
	}

	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return "", apierrors.Newf(apierrors.CodeBadFormat,
			"invalid serialNumber attribute %q", serial)
	}
	return n.Add(n, big.NewInt(1)).String(), nil
}
