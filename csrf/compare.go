package csrf

// Equal reports whether a and b hold the same bytes. Unequal lengths fail
// immediately since token length is not secret; for equal lengths every byte
// pair is folded into the result, so timing does not depend on where the
// first difference is.
func Equal(a, b []byte) bool {
	ok, _ := compare(a, b)
	return ok
}

// compare returns the result and the number of byte pairs examined.
func compare(a, b []byte) (bool, int) {
	if len(a) != len(b) {
		return false, 0
	}
	var acc byte
	examined := 0
	for i := range a {
		acc |= a[i] ^ b[i]
		examined++
	}
	return acc == 0, examined
}
