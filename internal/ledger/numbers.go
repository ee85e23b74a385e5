package ledger

import "math/rand"

// RandomDigits returns n random decimal digits. Used for demo card, account,
// and routing numbers at provisioning time; these are placeholders, not
// network-valid PANs.
func RandomDigits(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte('0' + rand.Intn(10))
	}
	return string(buf)
}
